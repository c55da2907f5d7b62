package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/mohans/sqlgate/domain"
	"github.com/mohans/sqlgate/sqltext"
)

// Key derives the cache key for a query. It is a pure function of the
// database name, the normalized query text and the bind parameters; maps are
// encoded with sorted keys so parameter order does not matter.
func Key(db, query string, params any) (string, error) {
	var paramsJSON []byte
	if !isEmpty(params) {
		b, err := json.Marshal(params)
		if err != nil {
			return "", domain.InvalidInput("bind parameters are not serializable: %v", err)
		}
		paramsJSON = b
	}

	h := sha256.New()
	h.Write([]byte(db))
	h.Write([]byte{0})
	h.Write([]byte(sqltext.Normalize(query)))
	h.Write([]byte{0})
	h.Write(paramsJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isEmpty treats nil, empty maps and empty slices alike: "no parameters".
func isEmpty(params any) bool {
	if params == nil {
		return true
	}
	v := reflect.ValueOf(params)
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return v.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	}
	return false
}
