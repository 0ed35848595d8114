package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreambleDialer(t *testing.T) {
	near, far := net.Pipe()
	defer far.Close()
	d := NewPreambleDialer(DialerFunc(func(context.Context, EndPoint) (net.Conn, error) {
		return near, nil
	}), PreambleDHT)

	got := make(chan byte, 1)
	go func() {
		b, err := ReadPreamble(far)
		if err == nil {
			got <- b
		}
	}()

	conn, err := d.DialContext(context.Background(), MustParseEndPoint("192.0.2.1:33445"))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, PreambleDHT, <-got)
}

func TestReadPreamble(t *testing.T) {
	b, err := ReadPreamble(bytes.NewReader([]byte{PreambleConnection, 0xff}))
	require.NoError(t, err)
	assert.Equal(t, PreambleConnection, b)

	_, err = ReadPreamble(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)
}
