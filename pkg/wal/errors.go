package wal

import "github.com/nainya/treekv/pkg/errs"

// ErrClosed is returned by any LogManager operation attempted after Close.
var ErrClosed = errs.New(errs.Closed, component, "log manager is closed")
