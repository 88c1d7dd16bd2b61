package upsampler

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"gonum.org/v1/gonum/mat"
)

const (
	// ContentType marks a snappy-compressed little-endian float32 patch.
	ContentType = "application/x-patch-f32+snappy"

	headerRows  = "X-Patch-Rows"
	headerCols  = "X-Patch-Cols"
	headerScale = "X-Scale-Factor"

	maxResponseBytes = 1 << 30
)

// HTTP sends each patch to a remote inference server. The request body is
// the patch encoded with EncodePatch; the response carries the upsampled
// patch in the same encoding with its dimensions in the X-Patch-* headers.
type HTTP struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTP returns a client for the inference server at endpoint.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{Endpoint: endpoint, Client: http.DefaultClient}
}

func (h *HTTP) Upsample(ctx context.Context, patch *mat.Dense, scale int) (*mat.Dense, error) {
	rows, cols := patch.Dims()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(EncodePatch(patch)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(headerRows, strconv.Itoa(rows))
	req.Header.Set(headerCols, strconv.Itoa(cols))
	req.Header.Set(headerScale, strconv.Itoa(scale))

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request to %s: %w", h.Endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	outRows, err := strconv.Atoi(resp.Header.Get(headerRows))
	if err != nil {
		return nil, fmt.Errorf("bad %s header: %w", headerRows, err)
	}
	outCols, err := strconv.Atoi(resp.Header.Get(headerCols))
	if err != nil {
		return nil, fmt.Errorf("bad %s header: %w", headerCols, err)
	}
	return DecodePatch(body, outRows, outCols)
}

// EncodePatch serialises a patch row by row as little-endian float32 and
// compresses it with snappy.
func EncodePatch(patch *mat.Dense) []byte {
	rows, cols := patch.Dims()
	raw := make([]byte, 4*rows*cols)
	for r := 0; r < rows; r++ {
		for c, v := range patch.RawRowView(r) {
			binary.LittleEndian.PutUint32(raw[4*(r*cols+c):], math.Float32bits(float32(v)))
		}
	}
	return snappy.Encode(nil, raw)
}

// DecodePatch reverses EncodePatch.
func DecodePatch(body []byte, rows, cols int) (*mat.Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid patch dimensions %dx%d", rows, cols)
	}
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, fmt.Errorf("decompressing patch: %w", err)
	}
	if len(raw) != 4*rows*cols {
		return nil, fmt.Errorf("patch payload is %d bytes, expected %d for %dx%d", len(raw), 4*rows*cols, rows, cols)
	}
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
	}
	return mat.NewDense(rows, cols, data), nil
}

// NewHandler serves an Upsampler using the HTTP patch protocol.
func NewHandler(up Upsampler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		rows, err1 := strconv.Atoi(r.Header.Get(headerRows))
		cols, err2 := strconv.Atoi(r.Header.Get(headerCols))
		scale, err3 := strconv.Atoi(r.Header.Get(headerScale))
		if err1 != nil || err2 != nil || err3 != nil {
			http.Error(w, "missing or malformed patch headers", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		patch, err := DecodePatch(body, rows, cols)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out, err := up.Upsample(r.Context(), patch, scale)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		outRows, outCols := out.Dims()
		w.Header().Set("Content-Type", ContentType)
		w.Header().Set(headerRows, strconv.Itoa(outRows))
		w.Header().Set(headerCols, strconv.Itoa(outCols))
		w.Write(EncodePatch(out))
	})
}
