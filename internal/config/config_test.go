package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultMatchesDocumentedFigures(t *testing.T) {
	o := Default()
	assert.Equal(t, 10*time.Second, o.ConnectionWindow)
	assert.Equal(t, 2*time.Second, o.ConnectionRetry)
	assert.Equal(t, 60*time.Second, o.RequestTimeout)
	assert.Equal(t, time.Duration(0), o.StreamTimeout)
	assert.Equal(t, 1, o.SubStreamsPerChannel)
	assert.Equal(t, 4, o.RedirectLimit)
	assert.Equal(t, 5*time.Minute, o.StreamErrorWindow)
	assert.Equal(t, 4, o.WorkerThreads)
}

func TestToStreamOptionsProjectsFields(t *testing.T) {
	o := Default()
	o.SubStreamsPerChannel = 3
	o.ConnectionWindow = 5 * time.Second
	o.StreamTimeout = 30 * time.Second
	o.ConnectionRetry = time.Second

	s := o.ToStreamOptions()
	assert.Equal(t, 3, s.NumSubStreams)
	assert.Equal(t, 5*time.Second, s.ConnectTimeout)
	assert.Equal(t, 30*time.Second, s.ReadTimeout)
	assert.Equal(t, 1.0, s.ReconnectPerSecond)
}

func TestToPostmasterOptionsCarriesWorkerCount(t *testing.T) {
	o := Default()
	o.WorkerThreads = 8
	p := o.ToPostmasterOptions()
	assert.Equal(t, 8, p.WorkerCount)
	assert.Equal(t, o.SubStreamsPerChannel, p.Stream.NumSubStreams)
}

func TestToXRootDOptionsCarriesRedirectLimit(t *testing.T) {
	o := Default()
	o.RedirectLimit = 9
	x := o.ToXRootDOptions()
	assert.Equal(t, 9, x.RedirectLimit)
}
