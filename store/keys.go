package store

import (
	"fmt"
	"strings"

	"github.com/karthikraju391/go-nats-dm-relay/models"
)

// Key layout:
//
//	user:<id>                  user document
//	conv:<id>:meta             conversation record
//	conv:<id>:msg:<seq>        message reference, seq zero-padded
//	pair:<lo>:<hi>             conversation id for an unordered pair
//	part:<user>:<conv>         participant index
//	msg:<id>                   message document
const (
	userPrefix = "user:"
	convPrefix = "conv:"
	pairPrefix = "pair:"
	partPrefix = "part:"
	msgPrefix  = "msg:"
)

func checkID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id required", kind)
	}
	if strings.ContainsRune(id, ':') {
		return fmt.Errorf("%s id %q contains ':'", kind, id)
	}
	return nil
}

func userKey(id string) []byte { return []byte(userPrefix + id) }

func convMetaKey(id string) []byte { return []byte(convPrefix + id + ":meta") }

func convMsgPrefix(id string) []byte { return []byte(convPrefix + id + ":msg:") }

func convMsgKey(id string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:msg:%020d", convPrefix, id, seq))
}

func pairIndexKey(a, b string) []byte { return []byte(pairPrefix + models.PairKey(a, b)) }

func partIndexPrefix(userID string) []byte { return []byte(partPrefix + userID + ":") }

func partIndexKey(userID, convID string) []byte {
	return []byte(partPrefix + userID + ":" + convID)
}

func msgKey(id string) []byte { return []byte(msgPrefix + id) }

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
