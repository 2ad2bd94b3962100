package imageio

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"mrireflect/internal/models"
)

// ErrBadNifti is returned for files that are not valid NIfTI-1 images.
var ErrBadNifti = errors.New("malformed NIfTI-1 file")

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
)

// niftiHeader mirrors the 348 byte nifti_1_header.
type niftiHeader struct {
	SizeOfHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// ReadNifti reads a .nii or .nii.gz file.
func ReadNifti(path string) (*models.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", path, ErrBadNifti, err)
		}
		defer gz.Close()
		r = gz
	}
	img, err := DecodeNifti(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeNifti reads a single-file NIfTI-1 stream.
func DecodeNifti(r io.Reader) (*models.Image, error) {
	var raw [348]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrBadNifti, err)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if int32(order.Uint32(raw[:4])) != 348 {
		order = binary.BigEndian
		if int32(order.Uint32(raw[:4])) != 348 {
			return nil, fmt.Errorf("%w: bad header size", ErrBadNifti)
		}
	}
	var h niftiHeader
	if err := binary.Read(bytes.NewReader(raw[:]), order, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNifti, err)
	}
	if string(h.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("%w: not a single-file NIfTI-1 image (magic %q)", ErrBadNifti, h.Magic[:3])
	}

	dim := int(h.Dim[0])
	// Trailing singleton axes are dropped, but never below 2D.
	for dim > 2 && h.Dim[dim] == 1 {
		dim--
	}
	if dim < 2 || dim > 4 {
		return nil, fmt.Errorf("%w: unsupported dimension %d", ErrBadNifti, h.Dim[0])
	}
	size := make([]int, dim)
	for i := range size {
		size[i] = int(h.Dim[i+1])
		if size[i] <= 0 {
			return nil, fmt.Errorf("%w: non-positive size along axis %d", ErrBadNifti, i)
		}
	}

	pt, bytesPer, err := pixelTypeFor(h.Datatype)
	if err != nil {
		return nil, err
	}
	img, err := models.NewImage(size, pt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNifti, err)
	}
	if err := headerToGeometry(&h, img); err != nil {
		return nil, err
	}

	skip := int64(h.VoxOffset) - 348
	if skip < 0 {
		return nil, fmt.Errorf("%w: vox_offset %g inside header", ErrBadNifti, h.VoxOffset)
	}
	if _, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("%w: truncated extension: %v", ErrBadNifti, err)
	}

	buf := make([]byte, img.NumVoxels()*bytesPer)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated voxel data: %v", ErrBadNifti, err)
	}
	decodeVoxels(buf, h.Datatype, order, img.Data)

	if h.SclSlope != 0 && !math.IsNaN(float64(h.SclSlope)) && (h.SclSlope != 1 || h.SclInter != 0) {
		slope, inter := float64(h.SclSlope), float64(h.SclInter)
		for i, v := range img.Data {
			img.Data[i] = v*slope + inter
		}
		img.PixelType = models.PixelFloat
	}
	return img, nil
}

func pixelTypeFor(datatype int16) (models.PixelType, int, error) {
	switch datatype {
	case dtUint8:
		return models.PixelUChar, 1, nil
	case dtInt8:
		return models.PixelFloat, 1, nil
	case dtInt16, dtUint16:
		return models.PixelFloat, 2, nil
	case dtInt32:
		return models.PixelFloat, 4, nil
	case dtUint32:
		return models.PixelUInt, 4, nil
	case dtFloat32:
		return models.PixelFloat, 4, nil
	case dtFloat64:
		return models.PixelDouble, 8, nil
	}
	return 0, 0, fmt.Errorf("%w: unsupported datatype %d", ErrBadNifti, datatype)
}

func decodeVoxels(buf []byte, datatype int16, order binary.ByteOrder, out []float64) {
	for i := range out {
		switch datatype {
		case dtUint8:
			out[i] = float64(buf[i])
		case dtInt8:
			out[i] = float64(int8(buf[i]))
		case dtInt16:
			out[i] = float64(int16(order.Uint16(buf[2*i:])))
		case dtUint16:
			out[i] = float64(order.Uint16(buf[2*i:]))
		case dtInt32:
			out[i] = float64(int32(order.Uint32(buf[4*i:])))
		case dtUint32:
			out[i] = float64(order.Uint32(buf[4*i:]))
		case dtFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(buf[4*i:])))
		case dtFloat64:
			out[i] = math.Float64frombits(order.Uint64(buf[8*i:]))
		}
	}
}

// WriteNifti writes img as .nii, or gzip-compressed when path ends in .gz.
func WriteNifti(path string, img *models.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}
	if err := EncodeNifti(w, img); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to compress image: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return f.Close()
}

// EncodeNifti writes img as a little endian single-file NIfTI-1 stream.
func EncodeNifti(w io.Writer, img *models.Image) error {
	if err := img.Validate(); err != nil {
		return err
	}
	h := niftiHeader{SizeOfHdr: 348, VoxOffset: 352, SclSlope: 1, XyztUnits: 2 | 8}
	copy(h.Magic[:], "n+1\x00")
	h.Regular = 'r'
	h.Dim[0] = int16(img.Dimension())
	for i := range h.Dim[1:] {
		h.Dim[i+1] = 1
		h.Pixdim[i+1] = 1
	}
	for i, s := range img.Size {
		h.Dim[i+1] = int16(s)
		h.Pixdim[i+1] = float32(img.Spacing[i])
	}
	switch img.PixelType {
	case models.PixelUChar:
		h.Datatype, h.Bitpix = dtUint8, 8
	case models.PixelUInt:
		h.Datatype, h.Bitpix = dtUint32, 32
	case models.PixelDouble:
		h.Datatype, h.Bitpix = dtFloat64, 64
	default:
		h.Datatype, h.Bitpix = dtFloat32, 32
	}
	geometryToHeader(img, &h)

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	bytesPer := int(h.Bitpix) / 8
	buf := make([]byte, len(img.Data)*bytesPer)
	le := binary.LittleEndian
	for i, v := range img.Data {
		switch h.Datatype {
		case dtUint8:
			buf[i] = uint8(math.Max(0, math.Min(255, math.Round(v))))
		case dtUint32:
			le.PutUint32(buf[4*i:], uint32(math.Max(0, math.Min(math.MaxUint32, math.Round(v)))))
		case dtFloat64:
			le.PutUint64(buf[8*i:], math.Float64bits(v))
		default:
			le.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write voxel data: %w", err)
	}
	return nil
}
