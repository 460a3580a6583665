// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reference-counted, zero-copy buffer pooling for reader buffers (spec
// §4.2). Buffers are fixed-size per pool (the configured read-buffer or
// send-buffer size); Slice()-derived views keep a shared root alive until
// every view has been released.
package pool
