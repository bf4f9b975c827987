// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

var (
	totalType      = reflect.TypeOf(Total{})
	averageType    = reflect.TypeOf(Average{})
	bucketLog2Type = reflect.TypeOf(BucketLog2{})
)

func isStatType(fieldAsType reflect.Type) bool {
	return (totalType == fieldAsType) || (averageType == fieldAsType) || (bucketLog2Type == fieldAsType)
}

func verifyStatsStruct(statsGroupName string, statsStruct interface{}) (structAsValue reflect.Value) {
	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue = reflect.ValueOf(statsStruct).Elem()
	return
}

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if pkgName == "" && statsGroupName == "" {
		panic("statistics group must have non-empty pkgName or statsGroupName")
	}

	structAsValue := verifyStatsStruct(statsGroupName, statsStruct)
	structAsType := structAsValue.Type()

	// assign names to statistics that lack one and verify each name is used only once
	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		if _, ok := names[statNameValue.String()]; ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	// silently ignore a group that isn't registered
	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m interface{}) (keys []string) {
	for _, keyAsValue := range reflect.ValueOf(m).MapKeys() {
		keys = append(keys, keyAsValue.String())
	}
	sort.Strings(keys)
	return
}

// sprintStats returns the selected group(s) of statistics in sorted order;
// unknown groups are skipped
func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	var (
		groups []string
		pkgs   []string
	)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgName == "*" {
		pkgs = sortedKeys(pkgNameToGroupName)
	} else {
		pkgs = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgs {
		if statsGroupName == "*" {
			groups = sortedKeys(pkgNameToGroupName[pkg])
		} else {
			groups = []string{scrubName(statsGroupName)}
		}

		for _, group := range groups {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				continue
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}

	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string,
	statsStruct interface{}) (statValues string) {

	structAsValue := verifyStatsStruct(statsGroupName, statsStruct)
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		statValues += structAsValue.Field(i).Addr().Interface().(Totaler).Sprint(stringFmt, pkgName, statsGroupName)
	}

	return
}

// statisticName returns the fully qualified statistic name
func statisticName(pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case pkgName == "":
		return statsGroupName + "." + fieldName
	case statsGroupName == "":
		return pkgName + "." + fieldName
	default:
		return pkgName + "." + statsGroupName + "." + fieldName
	}
}

func unknownFormat(statName string, stringFmt StatStringFormat) string {
	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	if StatFormatParsable1 != stringFmt {
		return unknownFormat(statName, stringFmt)
	}

	return fmt.Sprintf("%s total:%d\n", statName, this.TotalGet())
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	if StatFormatParsable1 != stringFmt {
		return unknownFormat(statName, stringFmt)
	}

	return fmt.Sprintf("%s total:%d count:%d avg:%d\n",
		statName, this.TotalGet(), this.CountGet(), this.AverageGet())
}

func (this *BucketLog2) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	if StatFormatParsable1 != stringFmt {
		return unknownFormat(statName, stringFmt)
	}

	line := fmt.Sprintf("%s total:%d count:%d avg:%d", statName, this.TotalGet(), this.CountGet(), this.AverageGet())

	for idx, bucket := range this.DistGet() {
		if 0 == bucket.Count {
			continue
		}
		if 0 == idx {
			line += fmt.Sprintf(" 0:%d", bucket.Count)
		} else {
			line += fmt.Sprintf(" 2^%d:%d", idx-1, bucket.Count)
		}
	}

	return line + "\n"
}

// scrubName replaces illegal characters in names with underbar (`_`)
func scrubName(name string) string {
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case !unicode.IsPrint(r):
			return '_'
		case r == '*':
			return '_'
		case r == ':':
			return '_'
		case r == '#':
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}
