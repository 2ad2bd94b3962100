package transform

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// ErrBadTransformFile is returned for transform files that cannot be parsed.
var ErrBadTransformFile = errors.New("malformed transform file")

// fixedName is the variable holding the centre of rotation in ITK .mat files.
const fixedName = "fixed"

// parametersName returns the variable name ITK writes for an affine of dim.
func parametersName(dim int) string {
	return fmt.Sprintf("AffineTransform_double_%d_%d", dim, dim)
}

// Encode writes a in the MATLAB v4 layout used by ITK and ANTs for linear
// transforms: a column vector of parameters followed by the fixed centre.
func Encode(w io.Writer, a *Affine) error {
	if err := writeMatrix(w, parametersName(a.Dim), a.Parameters()); err != nil {
		return err
	}
	return writeMatrix(w, fixedName, a.Center)
}

// Decode reads a transform written by Encode, ITK or ANTs.
func Decode(r io.Reader) (*Affine, error) {
	br := bufio.NewReader(r)
	var params, fixed []float64
	var dim int

	for {
		name, values, err := readMatrix(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if name == fixedName {
			fixed = values
			continue
		}
		d, ok := parseTransformName(name)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported transform %q", ErrBadTransformFile, name)
		}
		dim, params = d, values
	}

	if params == nil {
		return nil, fmt.Errorf("%w: no transform parameters", ErrBadTransformFile)
	}
	a := NewIdentity(dim)
	if err := a.SetParameters(params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTransformFile, err)
	}
	if fixed != nil {
		if len(fixed) != dim {
			return nil, fmt.Errorf("%w: centre has %d values for a %dD transform", ErrBadTransformFile, len(fixed), dim)
		}
		copy(a.Center, fixed)
	}
	return a, nil
}

// WriteFile encodes a into path.
func WriteFile(path string, a *Affine) error {
	var buf bytes.Buffer
	if err := Encode(&buf, a); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write transform file: %w", err)
	}
	return nil
}

// ReadFile decodes the transform stored at path.
func ReadFile(path string) (*Affine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transform file: %w", err)
	}
	defer f.Close()

	a, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// parseTransformName accepts names like AffineTransform_double_3_3 or
// MatrixOffsetTransformBase_float_2_2 and returns the dimension.
func parseTransformName(name string) (int, bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 4 {
		return 0, false
	}
	switch parts[0] {
	case "AffineTransform", "MatrixOffsetTransformBase":
	default:
		return 0, false
	}
	in, err1 := strconv.Atoi(parts[len(parts)-2])
	out, err2 := strconv.Atoi(parts[len(parts)-1])
	if err1 != nil || err2 != nil || in != out || in < 2 || in > 4 {
		return 0, false
	}
	return in, true
}

type matHeader struct {
	Type   int32
	Rows   int32
	Cols   int32
	Imag   int32
	NameSz int32
}

func writeMatrix(w io.Writer, name string, values []float64) error {
	h := matHeader{
		Type:   0, // little endian, double, full
		Rows:   int32(len(values)),
		Cols:   1,
		NameSz: int32(len(name) + 1),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to write matrix header: %w", err)
	}
	if _, err := io.WriteString(w, name+"\x00"); err != nil {
		return fmt.Errorf("failed to write matrix name: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, values); err != nil {
		return fmt.Errorf("failed to write matrix data: %w", err)
	}
	return nil
}

func readMatrix(r io.Reader) (string, []float64, error) {
	var raw [20]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("%w: truncated header: %v", ErrBadTransformFile, err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	h := decodeHeader(raw[:], order)
	if h.Type < 0 || h.Type > 9999 || h.Type/1000 > 1 {
		order = binary.BigEndian
		h = decodeHeader(raw[:], order)
	}
	mopt := h.Type
	m, p, tt := mopt/1000, (mopt/10)%10, mopt%10
	if m > 1 || tt != 0 || h.Imag != 0 {
		return "", nil, fmt.Errorf("%w: unsupported matrix type %d", ErrBadTransformFile, mopt)
	}
	if h.Rows < 0 || h.Cols < 0 || h.NameSz <= 0 || h.NameSz > 256 || int64(h.Rows)*int64(h.Cols) > 1024 {
		return "", nil, fmt.Errorf("%w: implausible matrix header", ErrBadTransformFile)
	}

	name := make([]byte, h.NameSz)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", nil, fmt.Errorf("%w: truncated name: %v", ErrBadTransformFile, err)
	}
	n := int(h.Rows * h.Cols)
	values := make([]float64, n)
	switch p {
	case 0:
		if err := binary.Read(r, order, values); err != nil {
			return "", nil, fmt.Errorf("%w: truncated data: %v", ErrBadTransformFile, err)
		}
	case 1:
		single := make([]float32, n)
		if err := binary.Read(r, order, single); err != nil {
			return "", nil, fmt.Errorf("%w: truncated data: %v", ErrBadTransformFile, err)
		}
		for i, v := range single {
			values[i] = float64(v)
		}
	default:
		return "", nil, fmt.Errorf("%w: unsupported precision %d", ErrBadTransformFile, p)
	}
	for _, v := range values {
		if math.IsNaN(v) {
			return "", nil, fmt.Errorf("%w: NaN parameter", ErrBadTransformFile)
		}
	}
	return strings.TrimRight(string(name), "\x00"), values, nil
}

func decodeHeader(b []byte, order binary.ByteOrder) matHeader {
	return matHeader{
		Type:   int32(order.Uint32(b[0:])),
		Rows:   int32(order.Uint32(b[4:])),
		Cols:   int32(order.Uint32(b[8:])),
		Imag:   int32(order.Uint32(b[12:])),
		NameSz: int32(order.Uint32(b[16:])),
	}
}
