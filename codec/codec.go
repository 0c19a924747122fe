// Package codec turns cached record values into bytes and back.
//
// wbcache stores every record in the atomic cache as a framed byte payload;
// the Codec chosen in Options decides how the value inside the frame looks.
// Store backends that persist bytes (store/bolt, store/sqlite) take a Codec too.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
