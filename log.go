package tinyfs

import (
	"encoding/binary"
	"fmt"
)

// logHeader is both the on-disk log header layout and the in-memory
// record of which home blocks are part of the current transaction.
// n == 0 means there is no transaction to apply on recovery.
type logHeader struct {
	n     uint32
	block [LOGSIZE]uint32
}

func (h *logHeader) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.n)
	for i := uint32(0); i < h.n; i++ {
		binary.LittleEndian.PutUint32(buf[4+4*i:8+4*i], h.block[i])
	}
}

func (h *logHeader) unmarshal(buf []byte) {
	h.n = binary.LittleEndian.Uint32(buf[0:4])
	if h.n > LOGSIZE {
		panic("tinyfs: corrupt log header: n exceeds LOGSIZE")
	}
	for i := uint32(0); i < h.n; i++ {
		h.block[i] = binary.LittleEndian.Uint32(buf[4+4*i : 8+4*i])
	}
}

// writeAheadLog is the redo journal described in spec.md §4.2. It groups
// the updates of multiple concurrent filesystem operations into one
// transaction and makes that transaction atomic across crashes.
type writeAheadLog struct {
	sl   spinlock
	wait *waitQueue

	dev   uint32
	start uint32 // first block of the log region (the header itself)
	size  uint32 // number of blocks in the log region, including header

	outstanding int // active (begin_op'd, not yet end_op'd) operations
	committing  bool

	header logHeader

	bc *bufferCache
}

func newWriteAheadLog(bc *bufferCache, dev, start, size uint32) *writeAheadLog {
	if size < 1 {
		panic("tinyfs: log size must include header block")
	}
	l := &writeAheadLog{bc: bc, dev: dev, start: start, size: size}
	l.wait = newWaitQueue(&l.sl)
	l.recover()
	return l
}

func (l *writeAheadLog) readHead() {
	b, err := l.bc.read(l.dev, l.start)
	if err != nil {
		panic(fmt.Sprintf("tinyfs: log: read head: %s", err))
	}
	l.header.unmarshal(b.Data())
	l.bc.release(b)
}

func (l *writeAheadLog) writeHead() {
	b, err := l.bc.read(l.dev, l.start)
	if err != nil {
		panic(fmt.Sprintf("tinyfs: log: write head: %s", err))
	}
	l.header.marshal(b.Data())
	if err := l.bc.write(b); err != nil {
		panic(fmt.Sprintf("tinyfs: log: write head: %s", err))
	}
	l.bc.release(b)
}

// installTrans copies every logged block from its log slot to its home
// location. recovering is true only when called from recover, where
// buffers were never pinned by a live transaction.
func (l *writeAheadLog) installTrans(recovering bool) {
	for tail := uint32(0); tail < l.header.n; tail++ {
		lbuf, err := l.bc.read(l.dev, l.start+1+tail)
		if err != nil {
			panic(fmt.Sprintf("tinyfs: log: install: read log slot: %s", err))
		}
		dbuf, err := l.bc.read(l.dev, l.header.block[tail])
		if err != nil {
			panic(fmt.Sprintf("tinyfs: log: install: read home block: %s", err))
		}
		copy(dbuf.Data(), lbuf.Data())
		if err := l.bc.write(dbuf); err != nil {
			panic(fmt.Sprintf("tinyfs: log: install: write home block: %s", err))
		}
		if !recovering {
			l.bc.unpin(dbuf)
		}
		l.bc.release(lbuf)
		l.bc.release(dbuf)
	}
}

// recover runs at mount: apply any committed-but-not-yet-installed
// transaction, then clear the header.
func (l *writeAheadLog) recover() {
	l.readHead()
	l.installTrans(true)
	l.header.n = 0
	l.writeHead()
}

// beginOp reserves space for one operation's worth of log blocks,
// blocking while a commit is in progress or while doing so might exceed
// the log's capacity.
func (l *writeAheadLog) beginOp() {
	l.sl.Lock()
	for {
		if l.committing {
			l.wait.Wait()
			continue
		}
		if l.header.n+uint32(l.outstanding+1)*MAXOPBLOCKS > LOGSIZE {
			l.wait.Wait()
			continue
		}
		l.outstanding++
		l.sl.Unlock()
		return
	}
}

// endOp marks one operation complete; if it was the last outstanding
// operation, it commits the transaction.
func (l *writeAheadLog) endOp() {
	l.sl.Lock()
	l.outstanding--
	if l.committing {
		panic("tinyfs: log: endOp while committing")
	}
	doCommit := false
	if l.outstanding == 0 {
		doCommit = true
		l.committing = true
	} else {
		// begin_op may be waiting for space freed by this decrement.
		l.wait.WakeAll()
	}
	l.sl.Unlock()

	if doCommit {
		l.commit()
		l.sl.Lock()
		l.committing = false
		l.wait.WakeAll()
		l.sl.Unlock()
	}
}

func (l *writeAheadLog) writeLog() {
	for tail := uint32(0); tail < l.header.n; tail++ {
		to, err := l.bc.read(l.dev, l.start+1+tail)
		if err != nil {
			panic(fmt.Sprintf("tinyfs: log: write-log: read slot: %s", err))
		}
		from, err := l.bc.read(l.dev, l.header.block[tail])
		if err != nil {
			panic(fmt.Sprintf("tinyfs: log: write-log: read home: %s", err))
		}
		copy(to.Data(), from.Data())
		if err := l.bc.write(to); err != nil {
			panic(fmt.Sprintf("tinyfs: log: write-log: write slot: %s", err))
		}
		l.bc.release(from)
		l.bc.release(to)
	}
}

// commit is the 4-phase protocol from spec.md §4.2: write-log,
// write-head (the durable commit point), install, clear.
func (l *writeAheadLog) commit() {
	if l.header.n == 0 {
		return
	}
	l.writeLog()
	l.writeHead() // commit point: a crash after this redoes the transaction
	l.installTrans(false)
	l.header.n = 0
	l.writeHead() // clear
}

// logWrite records that b has been modified as part of the current
// transaction, absorbing repeat writes to the same block (spec.md §4.2
// "Absorption"). Caller must be within begin_op/end_op and must still
// brelse the buffer itself.
func (l *writeAheadLog) logWrite(b *Buffer) {
	l.sl.Lock()
	defer l.sl.Unlock()

	if l.header.n >= LOGSIZE || l.header.n >= l.size-1 {
		panic("tinyfs: log: transaction too big")
	}
	if l.outstanding < 1 {
		panic("tinyfs: log_write outside of transaction")
	}

	i := uint32(0)
	for ; i < l.header.n; i++ {
		if l.header.block[i] == b.blockno {
			break // already logged this block: absorb
		}
	}
	l.header.block[i] = b.blockno
	if i == l.header.n {
		l.bc.pin(b)
		l.header.n++
	}
}
