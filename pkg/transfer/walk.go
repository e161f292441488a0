package transfer

import (
	"os"
	"path/filepath"

	"github.com/mirrorkit/mirrorkit/pkg/flist"
)

// buildList walks the subtree rooted at the specified path and constructs a
// wire-ready file list. Entries that can't be read are omitted, and their
// presence is indicated by the returned incompleteness flag so that clients
// can be warned. Only the root being unwalkable is a hard error.
func buildList(root string, options flist.Options) (flist.List, bool, error) {
	var entries flist.List
	var incomplete bool
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			incomplete = true
			return nil
		}

		name, err := filepath.Rel(root, path)
		if err != nil {
			incomplete = true
			return nil
		}

		// Skip entry types that can't be represented on the wire, along with
		// symbolic links when the client didn't ask for them.
		mode := flist.ModeFromFileMode(info.Mode())
		if mode.IsSymbolicLink() && !options.PreserveLinks {
			return nil
		} else if !mode.IsDirectory() && !mode.IsRegular() && !mode.IsSymbolicLink() {
			return nil
		}

		uid, gid := ownership(info)
		entry := &flist.Entry{
			Name:    []byte(filepath.ToSlash(name)),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    mode,
			UID:     uid,
			GID:     gid,
		}
		if mode.IsSymbolicLink() {
			target, err := os.Readlink(path)
			if err != nil {
				incomplete = true
				return nil
			}
			entry.LinkTarget = []byte(target)
			entry.Size = int64(len(target))
		}
		entries = append(entries, entry)
		return nil
	})
	if walkErr != nil {
		return nil, false, walkErr
	}
	return flist.Normalize(entries), incomplete, nil
}
