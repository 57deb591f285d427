// Package keymanager implements cluster-wide keyring management (spec
// §4.11): Install/Use/Remove/List each issue an internal query to every live
// node, whose handler mutates its in-memory keyring and optionally persists
// it. Built entirely on top of query's internal-query dispatch.
package keymanager

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	atomicwriter "github.com/moby/sys/atomicwriter"
	"github.com/pkg/errors"

	"github.com/BoolHak/NSerfProject-sub006/proto"
	"github.com/BoolHak/NSerfProject-sub006/query"
	"github.com/BoolHak/NSerfProject-sub006/security"
)

var msgHandle = &codec.MsgpackHandle{}

// keyRequest is the query payload for install/use/remove: a single base64
// key.
type keyRequest struct {
	Key string
}

// keyResponse is one node's answer: success/failure plus, for List, that
// node's full keyring.
type keyResponse struct {
	Success bool
	Message string
	Keys    []string // base64, List only
}

func encode(v interface{}) []byte {
	buf := bytes.NewBuffer(nil)
	enc := codec.NewEncoder(buf, msgHandle)
	_ = enc.Encode(v)
	return buf.Bytes()
}

func decode(raw []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(raw), msgHandle)
	return dec.Decode(v)
}

// NodeResult is one node's outcome, keyed by node name.
type NodeResult struct {
	Success bool
	Message string
}

// Response aggregates every node's answer to an Install/Use/Remove/List
// call, per spec §4.11 ("aggregate per-node success/failure, counts, merged
// lists").
type Response struct {
	NumNodes  int
	NumResp   int
	NumErr    int
	Messages  map[string]string // node -> error message, errors only
	KeyCounts map[string]int    // key (base64) -> number of nodes holding it, List only
}

// Manager is the key manager of spec §4.11.
type Manager struct {
	queries     *query.Manager
	keyring     *security.Keyring
	keyringPath string
	timeout     time.Duration
}

// New creates a key manager and registers its internal query handlers.
// keyringPath may be empty, in which case keyring changes are not persisted.
func New(queries *query.Manager, keyring *security.Keyring, keyringPath string, timeout time.Duration) *Manager {
	m := &Manager{queries: queries, keyring: keyring, keyringPath: keyringPath, timeout: timeout}
	queries.RegisterInternalHandler(query.QueryInstallKey, m.handleInstall)
	queries.RegisterInternalHandler(query.QueryUseKey, m.handleUse)
	queries.RegisterInternalHandler(query.QueryRemoveKey, m.handleRemove)
	queries.RegisterInternalHandler(query.QueryListKeys, m.handleList)
	return m
}

func (m *Manager) handleInstall(msg proto.QueryMessage) (bool, []byte, error) {
	var req keyRequest
	if err := decode(msg.Payload, &req); err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	if err := m.keyring.AddKey(key); err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	m.persist()
	return true, encode(&keyResponse{Success: true}), nil
}

func (m *Manager) handleUse(msg proto.QueryMessage) (bool, []byte, error) {
	var req keyRequest
	if err := decode(msg.Payload, &req); err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	if err := m.keyring.UseKey(key); err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	m.persist()
	return true, encode(&keyResponse{Success: true}), nil
}

func (m *Manager) handleRemove(msg proto.QueryMessage) (bool, []byte, error) {
	var req keyRequest
	if err := decode(msg.Payload, &req); err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	key, err := base64.StdEncoding.DecodeString(req.Key)
	if err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	if err := m.keyring.RemoveKey(key); err != nil {
		return true, encode(&keyResponse{Message: err.Error()}), nil
	}
	m.persist()
	return true, encode(&keyResponse{Success: true}), nil
}

func (m *Manager) handleList(msg proto.QueryMessage) (bool, []byte, error) {
	var encoded []string
	for _, k := range m.keyring.Keys() {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(k))
	}
	return true, encode(&keyResponse{Success: true, Keys: encoded}), nil
}

// persist writes the current keyring to keyringPath as a JSON array of
// base64 keys, matching the on-disk keyring file format of the reference
// implementation (not a format of our own invention, hence plain
// encoding/json rather than the msgpack used for the wire payloads above).
func (m *Manager) persist() {
	if m.keyringPath == "" {
		return
	}
	var encoded []string
	for _, k := range m.keyring.Keys() {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(k))
	}
	data, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		return
	}
	_ = atomicwriter.WriteFile(m.keyringPath, data, 0o600)
}

// LoadKeyringFile reads a keyring file in the persisted JSON format,
// returning the primary key (first entry) and any additional keys.
func LoadKeyringFile(path string) (primary []byte, extra [][]byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "keymanager: read keyring file")
	}
	var encoded []string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, nil, errors.Wrap(err, "keymanager: parse keyring file")
	}
	if len(encoded) == 0 {
		return nil, nil, errors.New("keymanager: keyring file is empty")
	}
	for i, e := range encoded {
		k, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "keymanager: decode key %d", i)
		}
		if i == 0 {
			primary = k
		} else {
			extra = append(extra, k)
		}
	}
	return primary, extra, nil
}

func (m *Manager) do(queryName string, key []byte) (*Response, error) {
	payload := encode(&keyRequest{Key: base64.StdEncoding.EncodeToString(key)})
	resp, err := m.queries.Query(queryName, payload, query.QueryOptions{Timeout: m.timeout, RequestAck: true})
	if err != nil {
		return nil, err
	}
	return m.collect(resp), nil
}

func (m *Manager) collect(resp *query.Response) *Response {
	out := &Response{Messages: make(map[string]string), KeyCounts: make(map[string]int)}
	deadline := time.NewTimer(time.Until(resp.Deadline()))
	defer deadline.Stop()

	for {
		select {
		case from, ok := <-resp.AckCh():
			if !ok {
				return out
			}
			out.NumNodes++
			_ = from
		case r, ok := <-resp.ResponseCh():
			if !ok {
				return out
			}
			out.NumResp++
			var kr keyResponse
			if err := decode(r.Payload, &kr); err != nil {
				out.NumErr++
				out.Messages[r.From] = err.Error()
				continue
			}
			if !kr.Success {
				out.NumErr++
				out.Messages[r.From] = kr.Message
			}
			for _, k := range kr.Keys {
				out.KeyCounts[k]++
			}
		case <-deadline.C:
			return out
		}
	}
}

// InstallKey adds key to every live node's keyring.
func (m *Manager) InstallKey(key []byte) (*Response, error) {
	return m.do(query.QueryInstallKey, key)
}

// UseKey makes key the primary encryption key on every live node.
func (m *Manager) UseKey(key []byte) (*Response, error) {
	return m.do(query.QueryUseKey, key)
}

// RemoveKey removes a non-primary key from every live node's keyring.
func (m *Manager) RemoveKey(key []byte) (*Response, error) {
	return m.do(query.QueryRemoveKey, key)
}

// ListKeys aggregates every live node's keyring into a frequency map.
func (m *Manager) ListKeys() (*Response, error) {
	return m.do(query.QueryListKeys, nil)
}
