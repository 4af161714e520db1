package store

import (
	"fmt"
	"strings"
)

// Key layout. All thread-scoped state lives under the thread:<id>: prefix so
// a whole-thread cascade is one range delete. The sibling index orders each
// group by the same <ts>-<seq> suffix used for message records, which makes
// sibling order identical to insertion order and keeps the timestamp
// tie-break deterministic.
//
//	thread:<tid>:meta                                thread metadata
//	thread:<tid>:msg:<ts20>-<seq6>                   message record
//	thread:<tid>:parent:<parentKey>:<ts20>-<seq6>    sibling index -> msg id
//	thread:<tid>:branch:<parentKey>                  active child override
//	msg:<id>                                         msg id -> record key

func threadMetaKey(threadID string) string {
	return "thread:" + threadID + ":meta"
}

func threadPrefix(threadID string) string {
	return "thread:" + threadID + ":"
}

func msgPrefix(threadID string) string {
	return "thread:" + threadID + ":msg:"
}

func msgKey(threadID string, ts int64, seq uint64) string {
	return fmt.Sprintf("thread:%s:msg:%020d-%06d", threadID, ts, seq)
}

func childPrefix(threadID, parentKey string) string {
	return "thread:" + threadID + ":parent:" + parentKey + ":"
}

func childKey(threadID, parentKey string, ts int64, seq uint64) string {
	return fmt.Sprintf("thread:%s:parent:%s:%020d-%06d", threadID, parentKey, ts, seq)
}

func branchPrefix(threadID string) string {
	return "thread:" + threadID + ":branch:"
}

func branchKey(threadID, parentKey string) string {
	return "thread:" + threadID + ":branch:" + parentKey
}

func msgPtrKey(msgID string) string {
	return "msg:" + msgID
}

// validID rejects ids that would corrupt the key layout. Generated ids are
// UUIDs, so this only trips on malformed caller-supplied ids.
func validID(id string) error {
	if id == "" {
		return fmt.Errorf("empty id")
	}
	if strings.ContainsAny(id, ": \n") {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for bounded range scans and range deletes.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}
