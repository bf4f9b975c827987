// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// a structure containing all of the bucketstats statistics types and other
// fields; useful for testing
type allStatTypes struct {
	MyName   string // not a statistic
	bar      int    // also not a statistic
	Total1   Total
	Average1 Average
	Bucket1  BucketLog2
}

// verify that all of the bucketstats statistics types satisfy the appropriate
// interface (this is really a compile time test; it fails if they don't)
func TestBucketStatsInterfaces(t *testing.T) {
	var (
		total1       Total
		average1     Average
		bucket1      BucketLog2
		totalIface   Totaler
		averageIface Averager
		bucketIface  Bucketer
	)

	totalIface = &total1
	totalIface = &average1
	averageIface = &average1
	bucketIface = &bucket1

	averageIface = bucketIface
	totalIface = averageIface
	_ = totalIface
}

func TestRegister(t *testing.T) {
	assert := assert.New(t)

	var myStats allStatTypes = allStatTypes{
		Total1: Total{Name: "my totaler"},
	}
	Register("main", "myStats", &myStats)
	defer UnRegister("main", "myStats")

	// unnamed statistics are named after their field, names are scrubbed
	assert.Equal("my_totaler", myStats.Total1.Name)
	assert.Equal("Average1", myStats.Average1.Name)
	assert.Equal("Bucket1", myStats.Bucket1.Name)

	// registering the same group twice panics
	assert.Panics(func() { Register("main", "myStats", &myStats) })

	// a non-pointer panics
	assert.Panics(func() { Register("main", "other", myStats) })

	// both names empty panics
	assert.Panics(func() { Register("", "", &allStatTypes{}) })

	// duplicate statistic names panic
	type dupStats struct {
		A Total
		B Total
	}
	assert.Panics(func() { Register("main", "dup", &dupStats{A: Total{Name: "x"}, B: Total{Name: "x"}}) })

	// after unregistering the group name can be reused
	UnRegister("main", "myStats")
	assert.NotPanics(func() { Register("main", "myStats", &allStatTypes{}) })
}

func TestValues(t *testing.T) {
	assert := assert.New(t)

	var (
		myStats allStatTypes
		wg      sync.WaitGroup
	)

	Register("test", "values", &myStats)
	defer UnRegister("test", "values")

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			for j := uint64(0); j < 100; j++ {
				myStats.Total1.Increment()
				myStats.Average1.Add(j)
				myStats.Bucket1.Add(j)
			}
			wg.Done()
		}()
	}
	wg.Wait()

	assert.Equal(uint64(1000), myStats.Total1.TotalGet())
	assert.Equal(uint64(1000), myStats.Average1.CountGet())
	assert.Equal(uint64(49), myStats.Average1.AverageGet())
	assert.Equal(uint64(49500), myStats.Bucket1.TotalGet())

	dist := myStats.Bucket1.DistGet()
	assert.Equal(8, len(dist)) // 99 needs 7 bits
	assert.Equal(uint64(10), dist[0].Count)
	assert.Equal(uint64(10), dist[1].Count)
	assert.Equal(uint64(20), dist[2].Count)
	assert.Equal(uint64(64), dist[7].RangeLow)
	assert.Equal(uint64(127), dist[7].RangeHigh)

	var empty Average
	assert.Equal(uint64(0), empty.AverageGet())
}

func TestSprintStats(t *testing.T) {
	assert := assert.New(t)

	var (
		statsA allStatTypes
		statsB allStatTypes
	)

	Register("sprint", "A", &statsA)
	defer UnRegister("sprint", "A")
	Register("sprint", "B", &statsB)
	defer UnRegister("sprint", "B")

	statsA.Total1.Add(5)
	statsA.Bucket1.Add(4)
	statsB.Average1.Add(10)

	out := SprintStats(StatFormatParsable1, "sprint", "A")
	assert.Contains(out, "sprint.A.Total1 total:5\n")
	assert.Contains(out, "sprint.A.Bucket1 total:4 count:1 avg:4 2^2:1\n")
	assert.NotContains(out, "sprint.B")

	out = SprintStats(StatFormatParsable1, "sprint", "*")
	assert.True(strings.Index(out, "sprint.A.") < strings.Index(out, "sprint.B."))
	assert.Contains(out, "sprint.B.Average1 total:10 count:1 avg:10\n")

	assert.Equal("", SprintStats(StatFormatParsable1, "sprint", "nonexistent"))
}
