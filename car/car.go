// Package car reads and writes CARv1 archives: a varint-framed header
// naming the archive's roots, followed by a sequence of varint-framed
// (CID, block bytes) frames. The repo package uses this to export a
// repository's head commit and every block reachable from it, and the
// firehose package uses it to frame the blocks attached to a commit
// event.
package car

import (
	"bufio"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	"github.com/wrenfeed/pds/atdata"
)

type header struct {
	Version uint64    `cbor:"version"`
	Roots   []cid.Cid `cbor:"roots"`
}

// Write emits a CARv1 archive to w with the given single root and blocks,
// in the order given. Callers are responsible for ordering blocks so that
// roots/links appear after their dependents where that matters to a
// consumer; this package imposes no ordering of its own.
func Write(w io.Writer, root cid.Cid, blocks []atdata.Block) error {
	hdrBytes, err := atdata.Marshal(header{Version: 1, Roots: []cid.Cid{root}})
	if err != nil {
		return fmt.Errorf("car: encoding header: %w", err)
	}
	if err := writeFrame(w, hdrBytes); err != nil {
		return fmt.Errorf("car: writing header: %w", err)
	}
	for _, b := range blocks {
		frame := append(append([]byte{}, b.CID.Bytes()...), b.Bytes...)
		if err := writeFrame(w, frame); err != nil {
			return fmt.Errorf("car: writing block %s: %w", b.CID, err)
		}
	}
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	length := varint.ToUvarint(uint64(len(payload)))
	if _, err := w.Write(length); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Read decodes a CARv1 archive, returning its sole root and every block
// in archive order.
func Read(r io.Reader) (cid.Cid, []atdata.Block, error) {
	br := bufio.NewReader(r)

	hdrBytes, err := readFrame(br)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("car: reading header: %w", err)
	}
	var hdr header
	if err := atdata.Unmarshal(hdrBytes, &hdr); err != nil {
		return cid.Undef, nil, fmt.Errorf("car: decoding header: %w", err)
	}
	if len(hdr.Roots) != 1 {
		return cid.Undef, nil, fmt.Errorf("car: expected exactly one root, got %d", len(hdr.Roots))
	}

	var blocks []atdata.Block
	for {
		frame, err := readFrame(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return cid.Undef, nil, fmt.Errorf("car: reading block frame: %w", err)
		}
		n, c, err := cid.CidFromBytes(frame)
		if err != nil {
			return cid.Undef, nil, fmt.Errorf("car: decoding block cid: %w", err)
		}
		blocks = append(blocks, atdata.Block{CID: c, Bytes: frame[n:]})
	}
	return hdr.Roots[0], blocks, nil
}

func readFrame(br *bufio.Reader) ([]byte, error) {
	length, err := varint.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
