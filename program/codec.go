package program

import (
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode is canonical so that equal programs encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("program: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a program to CBOR.
func Marshal(p *Program) ([]byte, error) {
	return cborEncMode.Marshal(p)
}

// Unmarshal deserializes and links a program.
func Unmarshal(data []byte) (*Program, error) {
	var p Program
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("program: unmarshal: %w", err)
	}
	if err := p.Link(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes a program to w.
func Save(w io.Writer, p *Program) error {
	data, err := Marshal(p)
	if err != nil {
		return fmt.Errorf("program: marshal: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// Load reads a program file.
func Load(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return Unmarshal(data)
}

// WriteFile saves a program to path.
func WriteFile(path string, p *Program) error {
	data, err := Marshal(p)
	if err != nil {
		return fmt.Errorf("program: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
