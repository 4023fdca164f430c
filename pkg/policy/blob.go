package policy

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"libcall.sandbox/pkg/automaton"
)

// InstallBlob is the packed wire format handed to the enforcement engine:
// header {pid, num_nodes, num_edges, id_mode} followed by num_edges edge
// records {src:u32, dst:u32, match_id:i32, is_epsilon:u8}, all little-endian.
type InstallBlob struct {
	Pid      uint32
	NumNodes uint32
	IDMode   IDMode
	Edges    []automaton.Transition
}

type blobHeader struct {
	Pid      uint32
	NumNodes uint32
	NumEdges uint32
	IDMode   uint32
}

type blobEdge struct {
	Src       uint32
	Dst       uint32
	MatchID   int32
	IsEpsilon uint8
}

// Encode packs the blob.
func (b *InstallBlob) Encode() ([]byte, error) {
	var buf bytes.Buffer
	hdr := blobHeader{
		Pid:      b.Pid,
		NumNodes: b.NumNodes,
		NumEdges: uint32(len(b.Edges)),
		IDMode:   uint32(b.IDMode),
	}
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	for _, e := range b.Edges {
		rec := blobEdge{Src: e.Src, Dst: e.Dst, MatchID: e.MatchID}
		if e.Epsilon {
			rec.IsEpsilon = 1
		}
		if err := binary.Write(&buf, binary.LittleEndian, &rec); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeBlob unpacks an install blob, checking that the payload length
// matches the header's edge count.
func DecodeBlob(data []byte) (*InstallBlob, error) {
	r := bytes.NewReader(data)
	var hdr blobHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("short install blob header: %w", err)
	}
	b := &InstallBlob{
		Pid:      hdr.Pid,
		NumNodes: hdr.NumNodes,
		IDMode:   IDMode(hdr.IDMode),
	}
	for i := uint32(0); i < hdr.NumEdges; i++ {
		var rec blobEdge
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("install blob truncated at edge %d/%d: %w", i, hdr.NumEdges, err)
		}
		b.Edges = append(b.Edges, automaton.Transition{
			Src:     rec.Src,
			Dst:     rec.Dst,
			MatchID: rec.MatchID,
			Epsilon: rec.IsEpsilon != 0,
		})
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("install blob has %d trailing bytes", r.Len())
	}
	return b, nil
}
