package types

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := EvalRequest{ID: 7, Code: "return 42;", TimeoutMS: 1500, MaxMemKB: 1024}
	require.NoError(t, WriteFrame(&buf, &req))

	var got EvalRequest
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, req, got)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	err := ReadFrame(bytes.NewReader(hdr[:]), &EvalReply{})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameShortInput(t *testing.T) {
	err := ReadFrame(bytes.NewReader([]byte{0, 0}), &EvalReply{})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	err = ReadFrame(bytes.NewReader(hdr[:]), &EvalReply{})
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplyResultMapping(t *testing.T) {
	res := EvalReply{Tag: TagOK, Value: "v", Output: []byte("out")}.Result()
	assert.Equal(t, ResultOK, res.Kind)
	assert.Equal(t, StatusContinue, res.Status)

	res = EvalReply{Tag: TagParseError, LastError: "nope", Status: StatusBreak}.Result()
	assert.Equal(t, ResultParseError, res.Kind)
	assert.Equal(t, StatusBreak, res.Status)

	res = EvalReply{Tag: TagExit, ExitCode: 2}.Result()
	assert.Equal(t, ResultExit, res.Kind)
	assert.Equal(t, 2, res.ExitCode)
}
