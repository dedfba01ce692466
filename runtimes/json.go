package runtimes

import "encoding/json"

type _json struct{}

var JSON _json

func (s _json) Stringify(i interface{}) string {
	return string(s.Bytes(i))
}

func (s _json) Bytes(i interface{}) []byte {
	v, _ := json.Marshal(i)
	return v
}

// Copy round-trips src through JSON into dst, e.g. a parsed argument map
// into a tagged config struct.
func (_json) Copy(dst, src interface{}) (e error) {
	buf, e := json.Marshal(src)
	if e != nil {
		return
	}
	return json.Unmarshal(buf, dst)
}
