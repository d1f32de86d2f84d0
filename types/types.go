package types

import (
	"errors"
	"strconv"
	"strings"
)

// BlockId is the canonical "<height>_<poolId>" identifier. Heights from a
// given pool's mining are monotone, so the pair is globally unique.
type BlockId string

var ZeroBlockId BlockId

func NewBlockId(height uint64, poolId string) BlockId {
	return BlockId(strconv.FormatUint(height, 10) + "_" + poolId)
}

func (id BlockId) IsZero() bool {
	return id == ZeroBlockId
}

func (id BlockId) String() string {
	return string(id)
}

// Split parses the id back into its height and pool components.
func (id BlockId) Split() (height uint64, poolId string, err error) {
	i := strings.IndexByte(string(id), '_')
	if i < 0 {
		return 0, "", errors.New("malformed block id " + string(id))
	}
	height, err = strconv.ParseUint(string(id[:i]), 10, 64)
	if err != nil {
		return 0, "", errors.New("malformed block id " + string(id))
	}
	return height, string(id[i+1:]), nil
}

func (id BlockId) Height() uint64 {
	height, _, _ := id.Split()
	return height
}
