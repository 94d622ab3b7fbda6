package parallel

import "fmt"

// DynBuffer is a growable message batch. A sender fills one buffer per
// destination rank and hands it off whole, so a round of point-to-point
// traffic costs one channel operation per (sender, destination) pair.
type DynBuffer[T any] struct {
	cells []T
}

func NewDynBuffer[T any](sizeEstimate int) *DynBuffer[T] {
	return &DynBuffer[T]{cells: make([]T, 0, sizeEstimate)}
}

func (db *DynBuffer[T]) Add(msg T) {
	db.cells = append(db.cells, msg)
}

func (db *DynBuffer[T]) Cells() []T { return db.cells }

func (db *DynBuffer[T]) Len() int { return len(db.cells) }

func (db *DynBuffer[T]) Reset() { db.cells = db.cells[:0] }

// MailBox carries typed messages between ranks. Each rank owns an outbox
// (one pending buffer per destination) and an inbox. The usage pattern per
// communication round is:
//
//	for each message { Post }; Deliver; <barrier>; Receive; Clear
//
// Post and Deliver run on the sending rank, Receive on the destination, and
// the barrier between them guarantees every delivered buffer is in its
// destination channel before any rank drains its inbox.
type MailBox[T any] struct {
	NP           int
	messageChans []chan *DynBuffer[T] // one per destination rank
	postQs       []map[int]*DynBuffer[T]
	receiveQs    []*DynBuffer[T]
}

func NewMailBox[T any](NP int) *MailBox[T] {
	mb := &MailBox[T]{
		NP:           NP,
		messageChans: make([]chan *DynBuffer[T], NP),
		postQs:       make([]map[int]*DynBuffer[T], NP),
		receiveQs:    make([]*DynBuffer[T], NP),
	}
	for n := 0; n < NP; n++ {
		mb.messageChans[n] = make(chan *DynBuffer[T], NP) // worst case is all-to-all
		mb.postQs[n] = make(map[int]*DynBuffer[T])
		mb.receiveQs[n] = NewDynBuffer[T](0)
	}
	return mb
}

// PostMessage queues msg on myRank's outbox for targetRank. Nothing moves
// until DeliverMyMessages.
func (mb *MailBox[T]) PostMessage(myRank, targetRank int, msg T) {
	if targetRank < 0 || targetRank >= mb.NP {
		panic(fmt.Sprintf("target rank %d out of bounds [0,%d)", targetRank, mb.NP))
	}
	tgt, exists := mb.postQs[myRank][targetRank]
	if !exists {
		tgt = NewDynBuffer[T](0)
		mb.postQs[myRank][targetRank] = tgt
	}
	tgt.Add(msg)
}

// DeliverMyMessages hands every pending outbox buffer to its destination
// channel. The buffers are transferred whole; the sender allocates fresh
// ones on the next Post.
func (mb *MailBox[T]) DeliverMyMessages(myRank int) {
	for targetRank, msgBuffer := range mb.postQs[myRank] {
		mb.messageChans[targetRank] <- msgBuffer
		delete(mb.postQs[myRank], targetRank)
	}
}

// ReceiveMyMessages drains myRank's channel into its inbox. Callers must
// have synchronized after the senders' DeliverMyMessages, otherwise a
// buffer still in flight is silently missed.
func (mb *MailBox[T]) ReceiveMyMessages(myRank int) []T {
	for {
		select {
		case msgBuffer := <-mb.messageChans[myRank]:
			for _, msg := range msgBuffer.Cells() {
				mb.receiveQs[myRank].Add(msg)
			}
		default:
			return mb.receiveQs[myRank].Cells()
		}
	}
}

func (mb *MailBox[T]) ClearMyMessages(myRank int) {
	mb.receiveQs[myRank].Reset()
}
