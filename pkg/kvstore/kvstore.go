// Package kvstore implements the engine's persistent key/value node store
// (spec.md §4.1): one append-only log file per container, holding the
// property values that must survive a daemon restart. Records are
// length-delimited so a truncated trailing write is detected rather than
// silently corrupting the next record, following the manual binary-packing
// style of the teacher's libmica client rather than a generic codec.
package kvstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	defs "porto/definitions"
	er "porto/errors"
	log "porto/logger"
	"porto/pkg/utils"
)

// Pair is one key/value entry in a container's node.
type Pair struct {
	Key   string
	Value string
}

// Store owns the on-disk directory of per-container log files.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open mounts a tmpfs at tmpfsRoot if nothing is mounted there yet and
// returns a Store rooted at tmpfsRoot + "/" + defs.KVDir, creating that
// directory if necessary. tmpfsRoot is normally the configured
// container.tmp_dir.
func Open(tmpfsRoot string) (*Store, error) {
	if err := ensureTmpfs(tmpfsRoot); err != nil {
		return nil, err
	}
	return OpenDir(filepath.Join(tmpfsRoot, defs.KVDir))
}

// OpenDir returns a Store rooted directly at dir, without mounting
// anything — for callers that manage their own backing filesystem
// (or, in tests, a plain temp directory standing in for the tmpfs).
func OpenDir(dir string) (*Store, error) {
	if err := utils.EnsureDir(dir, defs.DirMode); err != nil {
		return nil, er.Wrap("kvstore.OpenDir", err)
	}
	return &Store{dir: dir}, nil
}

// ensureTmpfs mounts a private tmpfs at root if nothing is mounted there
// yet. Idempotent: an already-mounted root is left alone.
func ensureTmpfs(root string) error {
	if err := utils.EnsureDir(root, defs.DirMode); err != nil {
		return er.Wrap("kvstore.ensureTmpfs", err)
	}

	if mounted, err := isMountpoint(root); err != nil {
		return er.Wrap("kvstore.ensureTmpfs", err)
	} else if mounted {
		return nil
	}

	opts := fmt.Sprintf("size=%d", defs.KVTmpfsSize)
	if err := syscall.Mount("porto_kv", root, "tmpfs", 0, opts); err != nil {
		return &er.Error{Kind: er.ResourceNotAvailable, Op: "kvstore.mount", Msg: err.Error()}
	}
	log.Infof("kvstore: mounted tmpfs at %s (%s)", root, opts)
	return nil
}

func isMountpoint(path string) (bool, error) {
	var pathStat, parentStat syscall.Stat_t
	if err := syscall.Stat(path, &pathStat); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := syscall.Stat(filepath.Dir(path), &parentStat); err != nil {
		return false, err
	}
	return pathStat.Dev != parentStat.Dev, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".kv")
}

// Append adds pairs to name's log without touching existing records. Used
// for incremental property updates so a crash mid-write loses at most the
// last record.
func (s *Store) Append(name string, pairs []Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path(name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, defs.FileMode)
	if err != nil {
		return er.Wrap("kvstore.Append", err)
	}
	defer f.Close()

	for _, p := range pairs {
		if err := writeRecord(f, p); err != nil {
			return er.Wrap("kvstore.Append", err)
		}
	}
	return nil
}

// Rewrite atomically replaces name's whole log with pairs, via a temp file
// plus rename in the same directory so a concurrent reader never observes
// a half-written node.
func (s *Store) Rewrite(name string, pairs []Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, name+".kv.tmp-*")
	if err != nil {
		return er.Wrap("kvstore.Rewrite", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	for _, p := range pairs {
		if err := writeRecord(tmp, p); err != nil {
			tmp.Close()
			return er.Wrap("kvstore.Rewrite", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return er.Wrap("kvstore.Rewrite", err)
	}
	if err := tmp.Close(); err != nil {
		return er.Wrap("kvstore.Rewrite", err)
	}

	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		return er.Wrap("kvstore.Rewrite", err)
	}
	return nil
}

// Remove deletes name's node entirely (container destroyed).
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return er.Wrap("kvstore.Remove", err)
	}
	return nil
}

// Load reads name's log and merges records last-write-wins into a map. A
// missing file returns an empty, non-error map: absence means no persisted
// state yet, not corruption.
func (s *Store) Load(name string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(name)
}

func (s *Store) load(name string) (map[string]string, error) {
	f, err := os.Open(s.path(name))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, er.Wrap("kvstore.Load", err)
	}
	defer f.Close()

	values := map[string]string{}
	r := bufio.NewReader(f)
	for {
		p, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warnf("kvstore: %s: truncated trailing record ignored: %v", name, err)
			break
		}
		values[p.Key] = p.Value
	}
	return values, nil
}

// LoadAll merges every container node under the store, keyed by container
// name, for use at daemon startup (restore_all).
func (s *Store) LoadAll() (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, er.Wrap("kvstore.LoadAll", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		const suffix = ".kv"
		n := e.Name()
		if len(n) <= len(suffix) || n[len(n)-len(suffix):] != suffix {
			continue
		}
		names = append(names, n[:len(n)-len(suffix)])
	}
	sort.Strings(names)

	out := make(map[string]map[string]string, len(names))
	for _, n := range names {
		values, err := s.load(n)
		if err != nil {
			return nil, err
		}
		out[n] = values
	}
	return out, nil
}

// List returns the names of containers with a persisted node.
func (s *Store) List() ([]string, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// writeRecord appends one length-prefixed key/value record: a uint32 key
// length, the key, a uint32 value length, then the value.
func writeRecord(w io.Writer, p Pair) error {
	var lenBuf [4]byte

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p.Key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, p.Key); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p.Value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, p.Value); err != nil {
		return err
	}
	return nil
}

func readRecord(r io.Reader) (Pair, error) {
	key, err := readChunk(r)
	if err != nil {
		return Pair{}, err
	}
	value, err := readChunk(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Pair{}, err
	}
	return Pair{Key: key, Value: value}, nil
}

func readChunk(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return string(buf), nil
}
