package dht

import (
	"bufio"
	"bytes"
	"fmt"

	bencode "github.com/jackpal/bencode-go"
)

// KRPC message framing per the mainline DHT protocol. Every packet is a
// bencoded dict with a transaction id "t" and a type "y" of "q", "r" or "e".

const (
	errProtocol      = 203
	errMethodUnknown = 204
)

// decodePacket decodes one strict bencoded dict from data. Trailing bytes
// after the dict are an error.
func decodePacket(data []byte) (map[string]interface{}, error) {
	r := bytes.NewReader(data)
	br := bufio.NewReader(r)
	v, err := bencode.Decode(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rest := br.Buffered() + r.Len(); rest != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, rest)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: packet is not a dict", ErrMalformed)
	}
	return m, nil
}

func encodePacket(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeQuery(tid, qtype string, args map[string]interface{}) ([]byte, error) {
	return encodePacket(map[string]interface{}{
		"y": "q",
		"t": tid,
		"q": qtype,
		"a": args,
	})
}

func encodeReply(tid string, reply map[string]interface{}) ([]byte, error) {
	return encodePacket(map[string]interface{}{
		"y": "r",
		"t": tid,
		"r": reply,
	})
}

func encodeError(tid string, code int, message string) ([]byte, error) {
	return encodePacket(map[string]interface{}{
		"y": "e",
		"t": tid,
		"e": []interface{}{code, message},
	})
}

func mapField(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	v, ok := m[key].(map[string]interface{})
	return v, ok
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func intField(m map[string]interface{}, key string) (int64, bool) {
	v, ok := m[key].(int64)
	return v, ok
}
