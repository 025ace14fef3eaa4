// Layer index: versioned path -> file mapping for layer sets. each layer only stores
// its own changes; lookups resolve "newest version at or below layer N" so a layer
// inherits everything below it without copying.
package layerindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/asdine/storm/codec/msgpack"
	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"go.etcd.io/bbolt"
)

var ErrInvalidPath = errors.New("layerindex: invalid path")

// resolved entry of a tree listing
type TreeEntry struct {
	Path   string
	Layer  uint64 // the layer whose version won
	Member sivtypes.LayerMember
}

// paths are rooted and must not contain NUL (it's the key separator)
func ValidatePath(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q must start with /", ErrInvalidPath, path)
	}
	if strings.ContainsRune(path, 0x00) {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidPath, path)
	}

	return nil
}

// records path's version for one layer. overwrites the same (layer, path) silently:
// within a building layer, last write wins.
func PutMember(layerSet string, layerID uint64, path string, member *sivtypes.LayerMember, tx *bbolt.Tx) error {
	if err := ValidatePath(path); err != nil {
		return err
	}

	value, err := msgpack.Codec.Marshal(member)
	if err != nil {
		return err
	}

	return membersBucket(tx).Put(memberKey(layerSet, path, layerID), value)
}

// finds path's newest version at or below atLayer. tombstones are returned as-is;
// the caller decides whether a tombstone means "not found" for its purposes.
// sivtypes.ErrNotFound if no layer up to atLayer ever touched the path.
func Resolve(layerSet string, atLayer uint64, path string, tx *bbolt.Tx) (*sivtypes.LayerMember, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	// versions of one path sort newest-first (layer id stored inverted), so seeking
	// to atLayer's slot lands exactly on the newest version <= atLayer
	seekTo := memberKey(layerSet, path, atLayer)
	pathPrefix := seekTo[:len(seekTo)-8]

	key, value := membersBucket(tx).Cursor().Seek(seekTo)
	if key == nil || !bytes.HasPrefix(key, pathPrefix) {
		return nil, fmt.Errorf("resolve %s at layer %d: %w", path, atLayer, sivtypes.ErrNotFound)
	}

	member := &sivtypes.LayerMember{}
	if err := msgpack.Codec.Unmarshal(value, member); err != nil {
		return nil, err
	}

	return member, nil
}

// resolves the whole tree as visible at atLayer: every live path with its winning
// version. tombstoned paths are omitted. one ordered scan, superseded versions are
// skipped over without decoding.
func ListTree(layerSet string, atLayer uint64, tx *bbolt.Tx) ([]TreeEntry, error) {
	entries := []TreeEntry{}

	setPrefix := append([]byte(layerSet), 0x00)
	cursor := membersBucket(tx).Cursor()

	key, value := cursor.Seek(setPrefix)
	for key != nil && bytes.HasPrefix(key, setPrefix) {
		path, layerID, err := parseMemberKey(setPrefix, key)
		if err != nil {
			return nil, err
		}

		if layerID > atLayer {
			// version from the future (relative to atLayer), maybe an older one
			// for the same path follows
			key, value = cursor.Next()
			continue
		}

		member := sivtypes.LayerMember{}
		if err := msgpack.Codec.Unmarshal(value, &member); err != nil {
			return nil, err
		}

		if !member.Tombstone() {
			entries = append(entries, TreeEntry{Path: path, Layer: layerID, Member: member})
		}

		// this path is decided, jump past its remaining (older) versions. 0x01
		// sorts right after the path's 0x00 separator
		key, value = cursor.Seek(append(append(append([]byte{}, setPrefix...), path...), 0x01))
	}

	return entries, nil
}

// reverse lookup for retention: every (path, layer) version in the set that references
// the file. full scan of the set's members; retention runs offline, so that's fine.
func FindFileReferences(layerSet string, file sivtypes.FileRef, tx *bbolt.Tx) ([]TreeEntry, error) {
	references := []TreeEntry{}

	setPrefix := append([]byte(layerSet), 0x00)
	cursor := membersBucket(tx).Cursor()

	for key, value := cursor.Seek(setPrefix); key != nil && bytes.HasPrefix(key, setPrefix); key, value = cursor.Next() {
		path, layerID, err := parseMemberKey(setPrefix, key)
		if err != nil {
			return nil, err
		}

		member := sivtypes.LayerMember{}
		if err := msgpack.Codec.Unmarshal(value, &member); err != nil {
			return nil, err
		}

		if member.Tombstone() || !member.File.Equal(file) {
			continue
		}

		references = append(references, TreeEntry{Path: path, Layer: layerID, Member: member})
	}

	return references, nil
}

// drops every member one layer wrote. for cleaning up after failed builds; must never
// be called on a complete layer.
func RemoveLayerMembers(layerSet string, layerID uint64, tx *bbolt.Tx) error {
	setPrefix := append([]byte(layerSet), 0x00)
	cursor := membersBucket(tx).Cursor()

	doomed := [][]byte{}

	for key, _ := cursor.Seek(setPrefix); key != nil && bytes.HasPrefix(key, setPrefix); key, _ = cursor.Next() {
		_, keyLayerID, err := parseMemberKey(setPrefix, key)
		if err != nil {
			return err
		}

		if keyLayerID == layerID {
			doomed = append(doomed, append([]byte{}, key...))
		}
	}

	bucket := membersBucket(tx)
	for _, key := range doomed {
		if err := bucket.Delete(key); err != nil {
			return err
		}
	}

	return nil
}

func membersBucket(tx *bbolt.Tx) *bbolt.Bucket {
	return tx.Bucket(sivdb.LayerMembersBucketName)
}

// layerSet | 0x00 | path | 0x00 | ^layerID as big-endian. the bitwise NOT makes newer
// layers sort first within a path, which both Resolve and ListTree lean on.
func memberKey(layerSet string, path string, layerID uint64) []byte {
	key := make([]byte, 0, len(layerSet)+1+len(path)+1+8)
	key = append(key, layerSet...)
	key = append(key, 0x00)
	key = append(key, path...)
	key = append(key, 0x00)
	key = binary.BigEndian.AppendUint64(key, ^layerID)
	return key
}

func parseMemberKey(setPrefix []byte, key []byte) (string, uint64, error) {
	rest := key[len(setPrefix):]
	if len(rest) < 1+8 {
		return "", 0, fmt.Errorf("%w: malformed layer member key", sivtypes.ErrCorrupt)
	}

	path := string(rest[:len(rest)-9])
	layerID := ^binary.BigEndian.Uint64(rest[len(rest)-8:])

	return path, layerID, nil
}
