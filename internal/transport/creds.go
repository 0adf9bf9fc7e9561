package transport

import (
	"fmt"
	"os/user"
	"strconv"
)

// Credentials are the kernel-attested identity of one connection,
// gathered at accept time before any bytes are exchanged.
type Credentials struct {
	UID uint32
	GID uint32
	PID int32

	// Groups lists auxiliary group ids. When GroupsFromSocket is true
	// they came from SO_PEERGROUPS and are attested by the kernel;
	// otherwise they were resolved from the user database, which can
	// race with concurrent setgroups calls on the peer side — treat them
	// as advisory.
	Groups           []uint32
	GroupsFromSocket bool

	// SecLabel is the SO_PEERSEC security label, empty when no LSM is
	// active.
	SecLabel string
}

// resolveGroups looks up uid's auxiliary groups through the user
// database. This is the documented-racy fallback for kernels without
// SO_PEERGROUPS: membership may have changed since the peer's process
// started.
func resolveGroups(uid uint32) ([]uint32, error) {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("lookup uid %d: %w", uid, err)
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("group ids for uid %d: %w", uid, err)
	}
	groups := make([]uint32, 0, len(ids))
	for _, id := range ids {
		g, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		groups = append(groups, uint32(g))
	}
	return groups, nil
}
