package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/masquerade/internal/types"
)

// Request opcodes.
const (
	opDetect     byte = 1
	opSwap       byte = 2
	opLoadSource byte = 3
)

// Response status bytes.
const (
	statusOK    byte = 0
	statusError byte = 1
)

const (
	maxMessage   = 1 << 30
	maxFaces     = 4096
	maxEmbedding = 8192
)

var errProtocol = errors.New("malformed engine response")

// wireFace is the fixed-size head of an encoded face; the embedding follows it.
type wireFace struct {
	Box       [4]int32
	Score     float32
	Landmarks [10]float32
	Dim       uint32
}

func appendU32(b []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(b, v)
}

func appendF32(b []byte, v float32) []byte {
	return binary.BigEndian.AppendUint32(b, math.Float32bits(v))
}

// appendImage writes [w][h][rgba] with rows packed regardless of the source stride.
func appendImage(b []byte, img *image.RGBA) []byte {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	b = appendU32(b, uint32(w))
	b = appendU32(b, uint32(h))
	rowBytes := w * 4
	start := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y)
	if img.Stride == rowBytes {
		return append(b, img.Pix[start:start+rowBytes*h]...)
	}
	for y := 0; y < h; y++ {
		off := start + y*img.Stride
		b = append(b, img.Pix[off:off+rowBytes]...)
	}
	return b
}

func appendFace(b []byte, f types.Face) []byte {
	for _, v := range []int{f.Box.Min.X, f.Box.Min.Y, f.Box.Max.X, f.Box.Max.Y} {
		b = appendU32(b, uint32(int32(v)))
	}
	b = appendF32(b, f.Score)
	for _, p := range f.Landmarks {
		b = appendF32(b, p.X)
		b = appendF32(b, p.Y)
	}
	b = appendU32(b, uint32(len(f.Embedding)))
	for _, v := range f.Embedding {
		b = appendF32(b, v)
	}
	return b
}

func appendFaces(b []byte, faces []types.Face) []byte {
	b = appendU32(b, uint32(len(faces)))
	for _, f := range faces {
		b = appendFace(b, f)
	}
	return b
}

func encodeDetect(b []byte, img *image.RGBA) []byte {
	return appendImage(append(b, opDetect), img)
}

func encodeLoadSource(b []byte, img *image.RGBA) []byte {
	return appendImage(append(b, opLoadSource), img)
}

func encodeSwap(b []byte, srcFaces []types.Face, frame *image.RGBA, faces []types.Face) []byte {
	b = append(b, opSwap)
	b = appendFaces(b, srcFaces)
	b = appendFaces(b, faces)
	return appendImage(b, frame)
}

// parseResponse strips the status byte. A status=1 reply is a per-call failure and comes
// back as a plain error; anything unreadable wraps errProtocol.
func parseResponse(resp []byte) ([]byte, error) {
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", errProtocol)
	}
	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		r := bytes.NewReader(resp[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil || int(msgLen) > r.Len() {
			return nil, fmt.Errorf("%w: truncated error message", errProtocol)
		}
		msg := make([]byte, msgLen)
		r.Read(msg)
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("%w: unknown status %d", errProtocol, resp[0])
	}
}

func decodeFaces(body []byte) ([]types.Face, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("%w: face count: %v", errProtocol, err)
	}
	if n > maxFaces {
		return nil, fmt.Errorf("%w: %d faces", errProtocol, n)
	}

	faces := make([]types.Face, 0, n)
	for i := uint32(0); i < n; i++ {
		var wf wireFace
		if err := binary.Read(r, binary.BigEndian, &wf); err != nil {
			return nil, fmt.Errorf("%w: face %d: %v", errProtocol, i, err)
		}
		if wf.Dim > maxEmbedding {
			return nil, fmt.Errorf("%w: embedding of %d floats", errProtocol, wf.Dim)
		}
		emb := make([]float32, wf.Dim)
		if err := binary.Read(r, binary.BigEndian, emb); err != nil {
			return nil, fmt.Errorf("%w: embedding %d: %v", errProtocol, i, err)
		}

		f := types.Face{
			Box:       image.Rect(int(wf.Box[0]), int(wf.Box[1]), int(wf.Box[2]), int(wf.Box[3])),
			Score:     wf.Score,
			Embedding: emb,
		}
		for j := range f.Landmarks {
			f.Landmarks[j] = types.Point{X: wf.Landmarks[2*j], Y: wf.Landmarks[2*j+1]}
		}
		faces = append(faces, f)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", errProtocol, r.Len())
	}
	return faces, nil
}

// decodeImage wraps the returned pixels without copying.
func decodeImage(body []byte) (*image.RGBA, error) {
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: short image header", errProtocol)
	}
	w := int(binary.BigEndian.Uint32(body[0:4]))
	h := int(binary.BigEndian.Uint32(body[4:8]))
	pix := body[8:]
	if w <= 0 || h <= 0 || len(pix) != w*h*4 {
		return nil, fmt.Errorf("%w: %dx%d image with %d bytes", errProtocol, w, h, len(pix))
	}
	return &image.RGBA{Pix: pix, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}, nil
}
