// Package capture reads packets from capture files and decodes them for the
// engine.
package capture

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/metrics"
)

const sourceName = "file"

// FileSource replays a pcap file.
type FileSource struct {
	path   string
	expr   string
	handle *pcap.Handle
	filter *Filter
}

// NewFileSource creates a source for path. A non-empty bpfExpr drops frames
// it does not accept.
func NewFileSource(path, bpfExpr string) (*FileSource, error) {
	if path == "" {
		return nil, fmt.Errorf("capture file path is required")
	}
	return &FileSource{path: path, expr: bpfExpr}, nil
}

// Open opens the file and compiles the filter for its link type.
func (fs *FileSource) Open() error {
	handle, err := pcap.OpenOffline(fs.path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", fs.path, err)
	}
	if fs.expr != "" {
		f, err := CompileFilter(fs.expr, handle.LinkType(), int(handle.SnapLen()))
		if err != nil {
			handle.Close()
			return err
		}
		fs.filter = f
	}
	fs.handle = handle
	return nil
}

// ReadPacket returns the next packet accepted by the filter, or io.EOF.
func (fs *FileSource) ReadPacket() (core.RawPacket, error) {
	if fs.handle == nil {
		return core.RawPacket{}, fmt.Errorf("file source not started")
	}
	for {
		data, ci, err := fs.handle.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return core.RawPacket{}, io.EOF
			}
			return core.RawPacket{}, fmt.Errorf("failed to read packet: %w", err)
		}
		metrics.CapturePacketsTotal.WithLabelValues(sourceName).Inc()
		if fs.filter != nil && !fs.filter.Match(data) {
			metrics.CaptureDropsTotal.WithLabelValues("filter").Inc()
			continue
		}
		return core.RawPacket{
			Data:       data,
			Timestamp:  ci.Timestamp,
			CaptureLen: uint32(ci.CaptureLength),
			OrigLen:    uint32(ci.Length),
		}, nil
	}
}

// LinkType returns the link type of the file.
func (fs *FileSource) LinkType() layers.LinkType {
	if fs.handle == nil {
		return layers.LinkTypeEthernet // default
	}
	return fs.handle.LinkType()
}

// Close releases the file.
func (fs *FileSource) Close() error {
	if fs.handle != nil {
		fs.handle.Close()
		fs.handle = nil
	}
	return nil
}
