package cluster

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
)

var tagsHandle = &codec.MsgpackHandle{}

// maxMetaBytes is the §3 512-byte metadata budget a node's encoded tags must
// fit inside to be advertised on Alive/PushNodeState.
const maxMetaBytes = 512

// encodeTags msgpack-encodes tags for use as a NodeState's opaque Meta blob,
// the same codec the wire protocol itself uses (§C "tags size accounting").
func encodeTags(tags map[string]string) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := codec.NewEncoder(buf, tagsHandle)
	if err := enc.Encode(tags); err != nil {
		return nil, errors.Wrap(err, "cluster: encode tags")
	}
	if buf.Len() > maxMetaBytes {
		return nil, errors.Errorf("cluster: encoded tags are %d bytes, over the %d-byte budget", buf.Len(), maxMetaBytes)
	}
	return buf.Bytes(), nil
}

func decodeTags(meta []byte) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	var tags map[string]string
	dec := codec.NewDecoder(bytes.NewReader(meta), tagsHandle)
	if err := dec.Decode(&tags); err != nil {
		return nil
	}
	return tags
}
