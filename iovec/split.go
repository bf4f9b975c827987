// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iovec

import (
	"github.com/NVIDIA/pvfsdev/blunder"
	"github.com/NVIDIA/pvfsdev/logger"
)

func checkArgs(total int, slotSize int, maxGroups int) (limit int, err error) {
	if 0 >= slotSize {
		err = blunder.NewError(blunder.InvalidArgError, "slot size %d must be positive", slotSize)
		return
	}
	if 0 > maxGroups {
		err = blunder.NewError(blunder.InvalidArgError, "maxGroups %d must not be negative", maxGroups)
		return
	}
	limit = maxGroups
	if 0 == limit {
		limit = EstimateMaxGroups(total, slotSize)
	}
	needed := (total + slotSize - 1) / slotSize
	if needed > limit {
		err = blunder.NewError(blunder.InvalidArgError, "%d bytes needs %d groups of %d bytes (limit %d)", total, needed, slotSize, limit)
		return
	}
	err = nil
	return
}

func split(vec [][]byte, slotSize int, maxGroups int) (groups []Group, err error) {
	var (
		current Group
		total   = Total(vec)
	)

	_, err = checkArgs(total, slotSize, maxGroups)
	if nil != err {
		return
	}

	if total <= slotSize {
		groups = []Group{{Vec: vec, Len: total}}
		return
	}

	groups = make([]Group, 0, (total+slotSize-1)/slotSize)

	for _, element := range vec {
		for 0 < len(element) {
			room := slotSize - current.Len
			take := len(element)
			if take > room {
				take = room
			}
			current.Vec = append(current.Vec, element[:take:take])
			current.Len += take
			element = element[take:]

			if slotSize == current.Len {
				groups = append(groups, current)
				current = Group{}
			}
		}
	}
	if 0 < current.Len {
		groups = append(groups, current)
	}

	logger.Tracef("split %d elements (%d bytes) into %d groups of <= %d bytes", len(vec), total, len(groups), slotSize)

	err = nil
	return
}

func splitStream(segs []StreamSeg, slotSize int, maxGroups int) (groups []StreamGroup, err error) {
	var (
		current StreamGroup
		total   = StreamTotal(segs)
	)

	for _, seg := range segs {
		if 0 > seg.Len {
			err = blunder.NewError(blunder.InvalidArgError, "stream segment at offset %d has negative length %d", seg.Offset, seg.Len)
			return
		}
	}

	_, err = checkArgs(total, slotSize, maxGroups)
	if nil != err {
		return
	}

	if total <= slotSize {
		groups = []StreamGroup{{Segs: segs, Len: total}}
		return
	}

	groups = make([]StreamGroup, 0, (total+slotSize-1)/slotSize)

	for _, seg := range segs {
		for 0 < seg.Len {
			room := slotSize - current.Len
			take := seg.Len
			if take > room {
				take = room
			}
			current.Segs = append(current.Segs, StreamSeg{Offset: seg.Offset, Len: take})
			current.Len += take
			seg.Offset += int64(take)
			seg.Len -= take

			if slotSize == current.Len {
				groups = append(groups, current)
				current = StreamGroup{}
			}
		}
	}
	if 0 < current.Len {
		groups = append(groups, current)
	}

	err = nil
	return
}
