// Package transfer implements the chunked object transfer protocol layered
// on a session's data channel: outbound payloads are fragmented into
// fixed-size indexed chunks behind a meta frame, inbound chunks are
// reassembled by index. The channel is assumed ordered and reliable; there
// are no acknowledgements and no retransmission.
package transfer

import (
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/linkup/internal/proto"
)

var log = logging.Logger("transfer")

// ChunkSize is the number of payload string units per chunk frame. Payloads
// are data-URL strings, so units are bytes of the encoded form.
const ChunkSize = 16000

// SendFrame transmits one frame over the session channel.
type SendFrame func(frame any) error

// Payload is a fully reassembled (or directly delivered) inbound object.
type Payload struct {
	Name     string
	MimeType string
	Data     string
}

// Engine fragments outbound payloads and reassembles inbound ones. At most
// one inbound job is tracked at a time; a new meta frame discards any prior
// incomplete job.
type Engine struct {
	send      SendFrame
	onPayload func(Payload)

	mu  sync.Mutex
	job *job
}

// job is the receive state of one in-flight chunked transfer.
type job struct {
	name        string
	mimeType    string
	totalChunks int
	chunks      []string
}

// complete reports whether every index 0..totalChunks-1 holds a non-empty
// chunk.
func (j *job) complete() bool {
	for _, c := range j.chunks {
		if c == "" {
			return false
		}
	}
	return true
}

func (j *job) assemble() string {
	var b strings.Builder
	for _, c := range j.chunks {
		b.WriteString(c)
	}
	return b.String()
}

// New creates an engine writing frames via send and delivering completed
// inbound payloads via onPayload.
func New(send SendFrame, onPayload func(Payload)) *Engine {
	return &Engine{send: send, onPayload: onPayload}
}

// Send transmits a payload. Payloads that fit a single chunk go out as one
// direct file frame; larger payloads are fragmented into a meta frame
// followed by chunk frames in increasing index order.
func (e *Engine) Send(name, mimeType, data string) error {
	if len(data) <= ChunkSize {
		return e.send(proto.FileFrame{
			Type:     proto.FrameFile,
			Name:     name,
			MimeType: mimeType,
			Data:     data,
		})
	}

	totalChunks := (len(data) + ChunkSize - 1) / ChunkSize
	if err := e.send(proto.FileMetaFrame{
		Type:        proto.FrameFileMeta,
		Name:        name,
		MimeType:    mimeType,
		TotalChunks: totalChunks,
	}); err != nil {
		return err
	}

	for i := 0; i < totalChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := e.send(proto.FileChunkFrame{
			Type:  proto.FrameFileChunk,
			Index: i,
			Chunk: data[start:end],
		}); err != nil {
			return err
		}
	}

	log.Debugw("payload sent", "name", name, "chunks", totalChunks, "size", len(data))
	return nil
}

// HandleMeta opens a new inbound job, discarding any incomplete one.
func (e *Engine) HandleMeta(meta proto.FileMetaFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job != nil {
		log.Warnw("discarding incomplete inbound transfer", "name", e.job.name)
	}
	e.job = &job{
		name:        meta.Name,
		mimeType:    meta.MimeType,
		totalChunks: meta.TotalChunks,
		chunks:      make([]string, meta.TotalChunks),
	}

	// Degenerate zero-length payload: complete immediately.
	if meta.TotalChunks == 0 {
		e.finishLocked()
	}
}

// HandleChunk stores one chunk at its index and delivers the payload once
// every slot is populated. A duplicate index overwrites; out-of-range or
// jobless chunks are dropped.
func (e *Engine) HandleChunk(chunk proto.FileChunkFrame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job == nil {
		log.Debugw("chunk without transfer in progress", "index", chunk.Index)
		return
	}
	if chunk.Index < 0 || chunk.Index >= e.job.totalChunks {
		log.Warnw("chunk index out of range", "index", chunk.Index, "total", e.job.totalChunks)
		return
	}

	e.job.chunks[chunk.Index] = chunk.Chunk
	if e.job.complete() {
		e.finishLocked()
	}
}

// HandleFile delivers a direct single-frame payload.
func (e *Engine) HandleFile(file proto.FileFrame) {
	e.onPayload(Payload{Name: file.Name, MimeType: file.MimeType, Data: file.Data})
}

// Reset discards any inbound job, e.g. on session teardown.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.job = nil
}

func (e *Engine) finishLocked() {
	j := e.job
	e.job = nil
	e.onPayload(Payload{Name: j.name, MimeType: j.mimeType, Data: j.assemble()})
}
