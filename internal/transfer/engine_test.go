package transfer

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/linkup/internal/proto"
)

// collector records every frame an engine sends.
type collector struct {
	frames []any
	err    error
}

func (c *collector) send(frame any) error {
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func TestSendSmallPayloadDirect(t *testing.T) {
	col := &collector{}
	e := New(col.send, nil)

	data := strings.Repeat("x", ChunkSize)
	require.NoError(t, e.Send("a.txt", "text/plain", data))

	require.Len(t, col.frames, 1)
	f, ok := col.frames[0].(proto.FileFrame)
	require.True(t, ok)
	assert.Equal(t, proto.FrameFile, f.Type)
	assert.Equal(t, "a.txt", f.Name)
	assert.Equal(t, data, f.Data)
}

func TestSendLargePayloadChunked(t *testing.T) {
	col := &collector{}
	e := New(col.send, nil)

	data := strings.Repeat("a", ChunkSize) + strings.Repeat("b", ChunkSize) + strings.Repeat("c", ChunkSize/2)
	require.NoError(t, e.Send("big.bin", "application/octet-stream", data))

	require.Len(t, col.frames, 4)

	meta, ok := col.frames[0].(proto.FileMetaFrame)
	require.True(t, ok)
	assert.Equal(t, proto.FrameFileMeta, meta.Type)
	assert.Equal(t, "big.bin", meta.Name)
	assert.Equal(t, 3, meta.TotalChunks)

	var rebuilt strings.Builder
	for i, raw := range col.frames[1:] {
		chunk, ok := raw.(proto.FileChunkFrame)
		require.True(t, ok)
		assert.Equal(t, i, chunk.Index)
		assert.LessOrEqual(t, len(chunk.Chunk), ChunkSize)
		rebuilt.WriteString(chunk.Chunk)
	}
	assert.Equal(t, data, rebuilt.String())
}

func TestSendExactMultipleChunks(t *testing.T) {
	col := &collector{}
	e := New(col.send, nil)

	data := strings.Repeat("z", 2*ChunkSize)
	require.NoError(t, e.Send("even.bin", "application/octet-stream", data))

	meta := col.frames[0].(proto.FileMetaFrame)
	assert.Equal(t, 2, meta.TotalChunks)
	assert.Len(t, col.frames, 3)
	assert.Len(t, col.frames[1].(proto.FileChunkFrame).Chunk, ChunkSize)
	assert.Len(t, col.frames[2].(proto.FileChunkFrame).Chunk, ChunkSize)
}

func TestSendErrorPropagates(t *testing.T) {
	sendErr := errors.New("channel gone")
	col := &collector{err: sendErr}
	e := New(col.send, nil)

	assert.ErrorIs(t, e.Send("a.txt", "text/plain", "hi"), sendErr)
	assert.ErrorIs(t, e.Send("big.bin", "x", strings.Repeat("y", ChunkSize+1)), sendErr)
}

func TestReceiveOutOfOrder(t *testing.T) {
	var got []Payload
	e := New(nil, func(p Payload) { got = append(got, p) })

	e.HandleMeta(proto.FileMetaFrame{Type: proto.FrameFileMeta, Name: "f.bin", MimeType: "application/octet-stream", TotalChunks: 3})
	e.HandleChunk(proto.FileChunkFrame{Index: 2, Chunk: "CC"})
	assert.Empty(t, got, "delivered before all chunks arrived")
	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "AA"})
	assert.Empty(t, got)
	e.HandleChunk(proto.FileChunkFrame{Index: 1, Chunk: "BB"})

	require.Len(t, got, 1)
	assert.Equal(t, "f.bin", got[0].Name)
	assert.Equal(t, "AABBCC", got[0].Data)
}

func TestReceiveDuplicateChunkOverwrites(t *testing.T) {
	var got []Payload
	e := New(nil, func(p Payload) { got = append(got, p) })

	e.HandleMeta(proto.FileMetaFrame{Name: "f", TotalChunks: 2})
	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "old"})
	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "new"})
	e.HandleChunk(proto.FileChunkFrame{Index: 1, Chunk: "tail"})

	require.Len(t, got, 1)
	assert.Equal(t, "newtail", got[0].Data)
}

func TestReceiveIgnoresStrayChunks(t *testing.T) {
	var got []Payload
	e := New(nil, func(p Payload) { got = append(got, p) })

	// No meta yet.
	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "x"})
	assert.Empty(t, got)

	// Out of range.
	e.HandleMeta(proto.FileMetaFrame{Name: "f", TotalChunks: 1})
	e.HandleChunk(proto.FileChunkFrame{Index: 5, Chunk: "x"})
	e.HandleChunk(proto.FileChunkFrame{Index: -1, Chunk: "x"})
	assert.Empty(t, got)

	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "ok"})
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Data)
}

func TestNewMetaDiscardsIncompleteJob(t *testing.T) {
	var got []Payload
	e := New(nil, func(p Payload) { got = append(got, p) })

	e.HandleMeta(proto.FileMetaFrame{Name: "first", TotalChunks: 2})
	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "half"})

	e.HandleMeta(proto.FileMetaFrame{Name: "second", TotalChunks: 1})
	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "whole"})

	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Name)
	assert.Equal(t, "whole", got[0].Data)
}

func TestZeroChunkMetaCompletesImmediately(t *testing.T) {
	var got []Payload
	e := New(nil, func(p Payload) { got = append(got, p) })

	e.HandleMeta(proto.FileMetaFrame{Name: "empty", MimeType: "text/plain", TotalChunks: 0})

	require.Len(t, got, 1)
	assert.Equal(t, "empty", got[0].Name)
	assert.Empty(t, got[0].Data)
}

func TestResetDropsInboundJob(t *testing.T) {
	var got []Payload
	e := New(nil, func(p Payload) { got = append(got, p) })

	e.HandleMeta(proto.FileMetaFrame{Name: "f", TotalChunks: 2})
	e.HandleChunk(proto.FileChunkFrame{Index: 0, Chunk: "a"})
	e.Reset()
	e.HandleChunk(proto.FileChunkFrame{Index: 1, Chunk: "b"})

	assert.Empty(t, got)
}

func TestHandleFileDeliversDirectly(t *testing.T) {
	var got []Payload
	e := New(nil, func(p Payload) { got = append(got, p) })

	e.HandleFile(proto.FileFrame{Name: "pic.png", MimeType: "image/png", Data: "data:image/png;base64,AAAA"})

	require.Len(t, got, 1)
	assert.Equal(t, "pic.png", got[0].Name)
	assert.Equal(t, "data:image/png;base64,AAAA", got[0].Data)
}

func TestRoundTrip(t *testing.T) {
	var got []Payload
	receiver := New(nil, func(p Payload) { got = append(got, p) })

	// Wire the sender straight into the receiver's frame handlers.
	sender := New(func(frame any) error {
		switch f := frame.(type) {
		case proto.FileFrame:
			receiver.HandleFile(f)
		case proto.FileMetaFrame:
			receiver.HandleMeta(f)
		case proto.FileChunkFrame:
			receiver.HandleChunk(f)
		}
		return nil
	}, nil)

	data := strings.Repeat("0123456789", 5000) // 50000 units, 4 chunks
	require.NoError(t, sender.Send("r.bin", "application/octet-stream", data))

	require.Len(t, got, 1)
	assert.Equal(t, "r.bin", got[0].Name)
	assert.Equal(t, data, got[0].Data)
}
