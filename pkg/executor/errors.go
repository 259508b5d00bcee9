package executor

import "errors"

// ErrClosed is returned by Post/Run once the Executor has been closed.
var ErrClosed = errors.New("executor: closed")
