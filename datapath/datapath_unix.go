//go:build unix

package datapath

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// platformFeatures is the feature set the POSIX reference datapath
// supports. Segmentation offload (GSO/GRO) requires platform-specific
// socket options this reference implementation does not wire up, so only
// receive chains and the RSS-style hash used for worker selection are
// advertised. Each ReadMsgUDP call reads a single datagram; see recvLoop
// for when a chain holds more than one.
const platformFeatures = FeatureRecvCoalescing | FeatureRecvSideScaling

// recvBatchSize bounds how many datagrams a single receive wakeup reads
// before handing the chain to the callback, approximating the
// recvmmsg-style batched receive a kernel datapath would provide.
const recvBatchSize = 32

type recvBuf struct {
	b [maxDatagramSize]byte
}

const maxDatagramSize = 1 << 16

var recvBufPool = sync.Pool{
	New: func() any { return &recvBuf{} },
}

// bindingImpl is the POSIX implementation backing a Binding.
type bindingImpl struct {
	conn   *net.UDPConn
	closed atomic.Bool
	wg     sync.WaitGroup
	inFlight sync.WaitGroup // receive callbacks currently executing
}

// BindingCreate opens (or connects) a UDP socket. If local is the zero
// value, an ephemeral port is chosen; if remote is set, datagrams from any
// other peer are dropped on receive and remote becomes the default send
// destination.
func BindingCreate(dp *Datapath, local, remote netip.AddrPort, ctx any) (*Binding, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 4<<20)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	addr := "udp"
	laddr := ":0"
	if local.IsValid() {
		laddr = local.String()
	}
	pc, err := lc.ListenPacket(nil, addr, laddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, ErrAddressInUse
		}
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	b := &Binding{
		dp:  dp,
		ctx: ctx,
		impl: &bindingImpl{conn: conn},
	}
	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		b.local, _ = netip.AddrFromSlice(la.IP)
		b.local = netip.AddrPortFrom(b.local.Unmap(), uint16(la.Port))
	}
	if remote.IsValid() {
		b.remote = remote
		b.hasRemote = true
	}

	b.impl.wg.Add(1)
	go b.recvLoop()
	return b, nil
}

// Delete closes the underlying socket, then blocks until the receive loop
// has exited and no receive callback is in flight. Must not be called from
// a receive callback.
func (b *Binding) Delete() {
	b.impl.closed.Store(true)
	b.impl.conn.Close()
	b.impl.wg.Wait()
	b.impl.inFlight.Wait()
}

// GetLocalMTU returns the local interface MTU estimate used to size the
// path MTU discovery search's upper bound. The reference implementation
// does not query the underlying interface MTU and reports the standard
// Ethernet MTU of 1500 bytes.
func (b *Binding) GetLocalMTU() uint16 {
	return 1500
}

func (b *Binding) recvLoop() {
	defer b.impl.wg.Done()
	oob := make([]byte, 128)
	for {
		var chainHead, chainTail *RecvDatagram
		n := 0
		for n < recvBatchSize {
			raw := recvBufPool.Get().(*recvBuf)
			nRead, oobN, _, remote, err := b.impl.conn.ReadMsgUDPAddrPort(raw.b[:], oob)
			if err != nil {
				recvBufPool.Put(raw)
				if b.impl.closed.Load() {
					return
				}
				if isUnreachable(err) {
					if b.dp.unreachableCb != nil && b.hasRemote {
						b.dp.unreachableCb(b, b.remote)
					}
					continue
				}
				break
			}
			if b.hasRemote && (remote.Addr().Unmap() != b.remote.Addr().Unmap() || remote.Port() != b.remote.Port()) {
				// Not from the binding's remote peer.
				recvBufPool.Put(raw)
				continue
			}
			dg := &RecvDatagram{
				Buffer:  raw.b[:nRead],
				Local:   b.local,
				Remote:  remote,
				TOS:     parseTOS(oob[:oobN]),
				raw:     raw,
				binding: b,
			}
			if b.dp.features&FeatureRecvSideScaling != 0 {
				dg.PartitionIndex = int(b.PartitionFor(b.local, remote) % recvPartitionCount)
			}
			if chainHead == nil {
				chainHead = dg
			} else {
				chainTail.Next = dg
			}
			chainTail = dg
			n++
			if oobN == 0 {
				// oobN is the length of the control data that came with
				// the datagram, not a count of queued datagrams. No socket
				// option that yields control data is set, so it is zero
				// and each chain carries one datagram.
				break
			}
		}
		if chainHead == nil {
			if b.impl.closed.Load() {
				return
			}
			continue
		}
		b.dp.stats.recordRecv(chainHead)
		b.impl.inFlight.Add(1)
		b.dp.recvCb(b, chainHead)
		b.impl.inFlight.Done()
	}
}

// recvPartitionCount is the number of receive-side-scaling buckets this
// reference implementation hashes into; a real multi-queue datapath would
// size this to the number of receive workers.
const recvPartitionCount = 4

func parseTOS(oob []byte) uint8 {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	for _, scm := range scms {
		if scm.Header.Level == unix.IPPROTO_IP && scm.Header.Type == unix.IP_TOS && len(scm.Data) >= 1 {
			return scm.Data[0]
		}
		if scm.Header.Level == unix.IPPROTO_IPV6 && scm.Header.Type == unix.IPV6_TCLASS && len(scm.Data) >= 4 {
			return scm.Data[0]
		}
	}
	return 0
}

func isUnreachable(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return errors.Is(opErr.Err, syscall.ECONNREFUSED) || errors.Is(opErr.Err, syscall.EHOSTUNREACH) || errors.Is(opErr.Err, syscall.ENETUNREACH)
}

func (b *Binding) sendImpl(local, remote netip.AddrPort, ctx *SendContext) SendError {
	if ctx.freed {
		panic("datapath: send context already freed")
	}
	defer func() { ctx.freed = true }()

	if !remote.IsValid() {
		if !b.hasRemote {
			return SendFatal
		}
		remote = b.remote
	}

	var total int
	result := SendOK
	udpAddr := net.UDPAddrFromAddrPort(remote)
	for _, buf := range ctx.bufs {
		n, err := b.impl.conn.WriteToUDP(buf, udpAddr)
		total += n
		if err != nil {
			if errors.Is(err, syscall.ENOBUFS) {
				result = SendNoBuffers
				continue
			}
			if isUnreachable(err) {
				result = SendUnreachable
				continue
			}
			if errors.Is(err, os.ErrClosed) {
				return SendFatal
			}
			result = SendFatal
		}
	}
	b.dp.stats.recordSend(len(ctx.bufs), total, result)
	return result
}
