//go:build linux

package transport

import (
	"fmt"
	"net"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReadCredentials gathers the peer's kernel-attested credentials from
// the socket: SO_PEERCRED for uid/gid/pid, SO_PEERSEC for the security
// label (optional), and SO_PEERGROUPS for auxiliary groups, falling
// back to the user database when the kernel predates it.
func ReadCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("raw conn: %w", err)
	}

	var (
		creds   Credentials
		sockErr error
	)
	ctlErr := raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			sockErr = fmt.Errorf("SO_PEERCRED: %w", err)
			return
		}
		creds.UID = ucred.Uid
		creds.GID = ucred.Gid
		creds.PID = ucred.Pid

		// SO_PEERSEC is absent without an LSM; that is not an error.
		if label, err := unix.GetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_PEERSEC); err == nil {
			creds.SecLabel = strings.TrimRight(label, "\x00")
		}

		if groups, err := peerGroups(int(fd)); err == nil {
			creds.Groups = groups
			creds.GroupsFromSocket = true
		}
	})
	if ctlErr != nil {
		return Credentials{}, fmt.Errorf("socket control: %w", ctlErr)
	}
	if sockErr != nil {
		return Credentials{}, sockErr
	}

	if !creds.GroupsFromSocket {
		groups, err := resolveGroups(creds.UID)
		if err == nil {
			creds.Groups = groups
		}
	}

	return creds, nil
}

// peerGroups reads SO_PEERGROUPS, retrying with the kernel-reported
// size when the initial buffer is too small.
func peerGroups(fd int) ([]uint32, error) {
	n := 32
	for {
		buf := make([]uint32, n)
		vallen := uint32(len(buf) * 4)
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			uintptr(fd),
			uintptr(unix.SOL_SOCKET),
			uintptr(unix.SO_PEERGROUPS),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(unsafe.Pointer(&vallen)),
			0,
		)
		switch errno {
		case 0:
			return buf[:vallen/4], nil
		case unix.ERANGE:
			n = int(vallen/4) + 1
		default:
			return nil, errno
		}
	}
}
