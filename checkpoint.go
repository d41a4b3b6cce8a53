package gpt2

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
)

const (
	checkpointMagic   = 20240326
	checkpointVersion = 1
	checkpointHeader  = 256 // header words
)

// LoadCheckpoint imports pretrained weights from a binary checkpoint: a
// 256-word int32 header carrying the magic, version and architecture,
// followed by every parameter tensor flattened in declaration order.
// The architecture and the byte count are validated against the header
// before any weight is copied, so a truncated or mismatched file never
// produces a partially filled model.
func LoadCheckpoint(path string) (*GPT2, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return loadCheckpointFromReader(f, info.Size())
}

func loadCheckpointFromReader(r io.Reader, size int64) (*GPT2, error) {
	header := make([]int32, checkpointHeader)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("checkpoint: reading header: %w", err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return nil, fmt.Errorf("checkpoint: bad header magic %d version %d", header[0], header[1])
	}
	config := GPT2Config{
		MaxSeqLen: int(header[2]),
		V:         int(header[3]),
		L:         int(header[4]),
		NH:        int(header[5]),
		C:         int(header[6]),
	}
	model, err := NewGPT2(config)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	wantSize := int64(checkpointHeader*4) + int64(model.Params.Len())*4
	if size >= 0 && size != wantSize {
		return nil, fmt.Errorf("checkpoint: file is %d bytes, config %+v requires %d", size, config, wantSize)
	}
	if err := binary.Read(r, binary.LittleEndian, model.Params.Memory); err != nil {
		return nil, fmt.Errorf("checkpoint: reading weights: %w", err)
	}
	return model, nil
}

// DownloadFile streams url into outputPath. Used to fetch pretrained
// weight and tokenizer binaries.
func DownloadFile(outputPath, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: unexpected status %d for %s", resp.StatusCode, url)
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("download: creating %s: %w", outputPath, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("download: writing %s: %w", outputPath, err)
	}
	return out.Close()
}
