package transfer

import (
	"os"
	"os/user"
	"strconv"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/flist"
	"github.com/mirrorkit/mirrorkit/pkg/logging"
)

// idMap resolves remote numeric identifiers to local ones using the name
// mappings exchanged after a file list. Identifiers without a usable mapping
// pass through unchanged, matching how stock peers fall back to numeric
// identifiers.
type idMap map[int32]int32

// newIDMap builds an identifier map from wire mappings using the specified
// local name resolver.
func newIDMap(mappings []flist.IDMapping, resolve func(string) (int32, bool)) idMap {
	result := make(idMap, len(mappings))
	for _, mapping := range mappings {
		if local, ok := resolve(mapping.Name); ok {
			result[mapping.ID] = local
		}
	}
	return result
}

// resolve maps a remote identifier to its local equivalent.
func (m idMap) resolve(id int32) int32 {
	if local, ok := m[id]; ok {
		return local
	}
	return id
}

// applyOwnership applies mapped ownership to a materialized entry when
// requested. Failures are logged rather than recorded as file failures:
// ownership changes generally require elevated privileges, and the content
// itself was delivered intact.
func applyOwnership(target string, entry *flist.Entry, uids, gids idMap, options *Options, logger *logging.Logger) {
	if !options.PreserveOwners && !options.PreserveGroups {
		return
	}
	uid, gid := -1, -1
	if options.PreserveOwners {
		uid = int(uids.resolve(entry.UID))
	}
	if options.PreserveGroups {
		gid = int(gids.resolve(entry.GID))
	}
	if err := os.Lchown(target, uid, gid); err != nil {
		logger.Warn(errors.Wrapf(err, "unable to set ownership on %s", entry.Path()))
	}
}

// lookupLocalUser resolves a user name to a local numeric identifier.
func lookupLocalUser(name string) (int32, bool) {
	entry, err := user.Lookup(name)
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(entry.Uid, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(id), true
}

// lookupLocalGroup resolves a group name to a local numeric identifier.
func lookupLocalGroup(name string) (int32, bool) {
	entry, err := user.LookupGroup(name)
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(entry.Gid, 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(id), true
}

// userMappings collects the distinct non-root owner identifiers in a list
// and resolves their names for transmission. Identifiers without resolvable
// names are omitted, leaving receivers to use them numerically.
func userMappings(list flist.List) []flist.IDMapping {
	return collectMappings(list, func(entry *flist.Entry) int32 {
		return entry.UID
	}, func(id int32) (string, bool) {
		entry, err := user.LookupId(strconv.FormatInt(int64(id), 10))
		if err != nil || entry.Username == "" {
			return "", false
		}
		return entry.Username, true
	})
}

// groupMappings collects the distinct non-root group identifiers in a list
// and resolves their names for transmission.
func groupMappings(list flist.List) []flist.IDMapping {
	return collectMappings(list, func(entry *flist.Entry) int32 {
		return entry.GID
	}, func(id int32) (string, bool) {
		entry, err := user.LookupGroupId(strconv.FormatInt(int64(id), 10))
		if err != nil || entry.Name == "" {
			return "", false
		}
		return entry.Name, true
	})
}

// collectMappings extracts distinct non-root identifiers from a list in
// first-appearance order and resolves their names. Names too long for the
// wire are skipped.
func collectMappings(list flist.List, extract func(*flist.Entry) int32, resolve func(int32) (string, bool)) []flist.IDMapping {
	var result []flist.IDMapping
	seen := make(map[int32]bool)
	for _, entry := range list {
		id := extract(entry)
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		if name, ok := resolve(id); ok && len(name) <= 255 {
			result = append(result, flist.IDMapping{ID: id, Name: name})
		}
	}
	return result
}
