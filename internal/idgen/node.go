package idgen

import (
	"net"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DeriveNodeIDs picks datacenter and worker ids from the host identity when
// none are configured. The datacenter id hashes the first hardware address
// (falling back to the hostname); the worker id hashes the datacenter id
// together with the process id. Collisions between hosts are possible, so
// production deployments should set both ids explicitly.
func DeriveNodeIDs() (datacenterID, workerID int64) {
	return deriveNodeIDs(hostIdentity(), os.Getpid())
}

func deriveNodeIDs(identity []byte, pid int) (int64, int64) {
	dc := int64(xxhash.Sum64(identity) % (MaxDatacenterID + 1))
	worker := int64(xxhash.Sum64String(strconv.FormatInt(dc, 10)+"@"+strconv.Itoa(pid)) % (MaxWorkerID + 1))
	return dc, worker
}

func hostIdentity() []byte {
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			return iface.HardwareAddr
		}
	}
	if host, err := os.Hostname(); err == nil {
		return []byte(host)
	}
	return nil
}
