// Package config defines the ambient tuning knobs threaded through every
// post-master component: connection pacing, per-request timeouts,
// sub-stream fan-out, and worker sizing. See spec.md §6.
//
// Grounded on backend/ftp/ftp.go's Options struct: a flat, tagged struct
// with a package-level constructor supplying defaults, rather than a
// builder or functional-options API.
package config

import (
	"time"

	"github.com/xrootd-go/xrdcl/internal/postmaster"
	"github.com/xrootd-go/xrdcl/internal/stream"
	"github.com/xrootd-go/xrdcl/internal/xrootd"
)

// Options collects every tunable named in spec.md §6. The ToXxx
// conversion methods project the fields onto the component option types
// (stream.Options, postmaster.Options, xrootd.Options); RequestTimeout
// and StreamErrorWindow are not carried by any of them.
type Options struct {
	// ConnectionWindow bounds how long a Stream's Connect may take before
	// it is treated as failed (spec.md §6, §4.K).
	ConnectionWindow time.Duration `config:"connection_window"`

	// ConnectionRetry is the base interval the reconnect rate limiter
	// paces dial attempts at (spec.md §6, §4.K's golang.org/x/time/rate
	// wiring).
	ConnectionRetry time.Duration `config:"connection_retry"`

	// RequestTimeout is the default deadline a façade attaches to a
	// request if the caller doesn't supply one (spec.md §6).
	RequestTimeout time.Duration `config:"request_timeout"`

	// StreamTimeout bounds how long a Stream's read leg waits for any
	// traffic before considering the connection dead (spec.md §6, §4.K).
	StreamTimeout time.Duration `config:"stream_timeout"`

	// SubStreamsPerChannel is the number of parallel TCP legs a Stream
	// opens to one endpoint (spec.md §6, §4.K "Sub-streams").
	SubStreamsPerChannel int `config:"sub_streams_per_channel"`

	// RedirectLimit caps how many kXR_redirect hops a single request
	// follows before failing fatally (spec.md §6, §4.O).
	RedirectLimit int `config:"redirect_limit"`

	// StreamErrorWindow is the configured window for repeated Stream
	// breakage (spec.md §6). No component reads it: no ToXxx projection
	// carries it, and a Stream neither counts breakage nor escalates it
	// to a permanent failure.
	StreamErrorWindow time.Duration `config:"stream_error_window"`

	// WorkerThreads sizes the Job Manager's worker pool (spec.md §6,
	// §4.J).
	WorkerThreads int `config:"worker_threads"`
}

// Default returns the documented defaults (spec.md §6): a 10s connect
// window, a 2s reconnect pace, a 60s per-request timeout, no
// stream-level read deadline, one sub-stream, a 4-hop redirect limit, a
// 5-minute error window, and 4 worker threads — the same figures already
// baked into stream.NewOptions/postmaster.NewOptions/xrootd.NewOptions,
// repeated here as the single source of truth a CLI or embedding
// application binds flags/env vars to.
func Default() Options {
	return Options{
		ConnectionWindow:     10 * time.Second,
		ConnectionRetry:      2 * time.Second,
		RequestTimeout:       60 * time.Second,
		StreamTimeout:        0,
		SubStreamsPerChannel: 1,
		RedirectLimit:        4,
		StreamErrorWindow:    5 * time.Minute,
		WorkerThreads:        4,
	}
}

// ToStreamOptions projects the Stream-relevant fields onto
// stream.Options. ReconnectBurst is left at stream.NewOptions's default
// (1): spec.md §6 names a retry interval, not a separate burst size.
func (o Options) ToStreamOptions() stream.Options {
	base := stream.NewOptions()
	base.NumSubStreams = o.SubStreamsPerChannel
	base.ConnectTimeout = o.ConnectionWindow
	base.ReadTimeout = o.StreamTimeout
	if o.ConnectionRetry > 0 {
		base.ReconnectPerSecond = 1 / o.ConnectionRetry.Seconds()
	}
	return base
}

// ToPostmasterOptions projects onto postmaster.Options, including the
// nested stream.Options.
func (o Options) ToPostmasterOptions() postmaster.Options {
	return postmaster.Options{
		Stream:      o.ToStreamOptions(),
		WorkerCount: o.WorkerThreads,
	}
}

// ToXRootDOptions projects onto xrootd.Options.
func (o Options) ToXRootDOptions() xrootd.Options {
	return xrootd.Options{RedirectLimit: o.RedirectLimit}
}
