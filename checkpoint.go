package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Checkpoint serialization for the classifier. The format is a small
// JSON header followed by raw tensor data:
//
//	[uint32 LE]   header length in bytes
//	[JSON]        EncoderConfig
//	[float64 LE]* tensor data, in NamedParameters order
//
// JSON for the config keeps the header debuggable (`head -c` shows the
// architecture); raw little-endian float64 for the weights keeps the
// bulk of the file compact and fast to load. The tensor order is fixed
// by NamedParameters, so no per-tensor framing is needed - the config
// fully determines every shape.
//
// Fine-tuning starts from a pretrained checkpoint in this format. When
// none is supplied the model starts from random init, which exercises
// the identical pipeline (useful for tests and demos) at the cost of
// accuracy.
//
// ===========================================================================

// SaveClassifier writes the model to path in the binary checkpoint
// format described above.
func SaveClassifier(model *Classifier, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating checkpoint %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	header, err := json.Marshal(model.Config())
	if err != nil {
		return fmt.Errorf("encoding checkpoint header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for _, np := range model.NamedParameters() {
		if err := binary.Write(w, binary.LittleEndian, np.Tensor.data); err != nil {
			return fmt.Errorf("writing tensor %s: %w", np.Name, err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing checkpoint: %w", err)
	}
	return nil
}

// LoadClassifier reads a checkpoint written by SaveClassifier and
// returns a model with the stored configuration and weights.
func LoadClassifier(path string) (*Classifier, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var headerLen uint32
	if err := binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}

	header := make([]byte, headerLen)
	if _, err := readFull(r, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var config EncoderConfig
	if err := json.Unmarshal(header, &config); err != nil {
		return nil, fmt.Errorf("decoding checkpoint header: %w", err)
	}

	model := NewClassifier(config)

	for _, np := range model.NamedParameters() {
		if err := binary.Read(r, binary.LittleEndian, np.Tensor.data); err != nil {
			return nil, fmt.Errorf("reading tensor %s: %w", np.Name, err)
		}
	}

	return model, nil
}

// readFull fills buf completely or returns an error.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
