package snapshot

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// File layout: a 6 byte header (magic, version, flags) followed by the
// CBOR envelope, age-encrypted when flagEncrypted is set.
var magic = [4]byte{'W', 'V', 'F', 'S'}

const (
	version       = 1
	headerSize    = 6
	flagEncrypted = 1 << 0
)

// Record is one filesystem entry. Path is rooted at the mount root.
type Record struct {
	Path      string `cbor:"1,keyasint"`
	Mode      uint32 `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
	Data      []byte `cbor:"4,keyasint,omitempty"`
	Target    string `cbor:"5,keyasint,omitempty"`
	Rdev      uint64 `cbor:"6,keyasint,omitempty"`
}

// envelope carries the compressed record list and its digest.
type envelope struct {
	Compression Compression `cbor:"1,keyasint"`
	Size        int         `cbor:"2,keyasint"`
	Digest      Digest      `cbor:"3,keyasint"`
	Payload     []byte      `cbor:"4,keyasint"`
}

// Digest is a keyed BLAKE3 hash of the encoded records.
type Digest [32]byte

// recordsDomainKey separates snapshot digests from other uses of the
// same bytes. Changing it invalidates every existing snapshot.
var recordsDomainKey = [32]byte{
	'w', 'a', 's', 'm', '-', 'v', 'f', 's', '.', 's', 'n', 'a', 'p', 's', 'h', 'o',
	't', '.', 'r', 'e', 'c', 'o', 'r', 'd', 's', 0, 0, 0, 0, 0, 0, 0,
}

func digest(data []byte) Digest {
	h, err := blake3.NewKeyed(recordsDomainKey[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes records into snapshot file bytes.
func Encode(records []Record, c Compression, recipients []age.Recipient) ([]byte, error) {
	raw, err := encMode.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("encoding records: %w", err)
	}
	payload, used, err := compress(raw, c)
	if err != nil {
		return nil, err
	}
	body, err := encMode.Marshal(envelope{
		Compression: used,
		Size:        len(raw),
		Digest:      digest(raw),
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	var out bytes.Buffer
	out.Write(magic[:])
	out.WriteByte(version)
	if len(recipients) == 0 {
		out.WriteByte(0)
		out.Write(body)
		return out.Bytes(), nil
	}

	out.WriteByte(flagEncrypted)
	w, err := age.Encrypt(&out, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("encrypting snapshot: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Decode parses snapshot file bytes and verifies the digest.
func Decode(data []byte, identities []age.Identity) ([]Record, error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], magic[:]) {
		return nil, fmt.Errorf("not a snapshot file")
	}
	if data[4] != version {
		return nil, fmt.Errorf("unsupported snapshot version %d", data[4])
	}
	body := data[headerSize:]

	if data[5]&flagEncrypted != 0 {
		if len(identities) == 0 {
			return nil, fmt.Errorf("snapshot is encrypted and no identity was given")
		}
		r, err := age.Decrypt(bytes.NewReader(body), identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypting snapshot: %w", err)
		}
		if body, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted snapshot: %w", err)
		}
	}

	var env envelope
	if err := decMode.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	raw, err := decompress(env.Payload, env.Compression, env.Size)
	if err != nil {
		return nil, err
	}
	if digest(raw) != env.Digest {
		return nil, fmt.Errorf("snapshot digest mismatch")
	}

	var records []Record
	if err := decMode.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decoding records: %w", err)
	}
	return records, nil
}
