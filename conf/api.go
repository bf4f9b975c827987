// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf parses .conf files and "Section.Option=value" override strings
// into a ConfMap.
//
// A .conf file is made of section headers and option lines:
//
//   [Dispatcher]
//   OpTimeout:         60s
//   RetryCount:        5
//
//   [BufMap]
//   BlockSize:         4MiB   # byte sizes accept humanized units
//   BlockCount:        5
//
//   .include ./mounts.conf
//
// Option values are separated by commas and/or whitespace. Text following a ';'
// or '#' is a comment.
package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			err = fmt.Errorf("Error building confMap from conf strings: %v", err)
			return
		}
	}

	err = nil
	return
}

func splitOptionValues(optionValues string) (optionValuesSplit []string) {
	optionValuesSplit = strings.FieldsFunc(optionValues, func(r rune) bool {
		return (',' == r) || (' ' == r) || ('\t' == r)
	})
	if nil == optionValuesSplit {
		optionValuesSplit = []string{}
	}
	return
}

// splitOptionLine splits "Option: v1, v2" or "Option = v1 v2" at the first ':' or '='
func splitOptionLine(optionLine string) (optionName string, optionValuesSplit []string, err error) {
	assignmentIndex := strings.IndexAny(optionLine, ":=")
	if 0 >= assignmentIndex {
		err = fmt.Errorf("malformed option line: \"%v\"", optionLine)
		return
	}

	optionName = strings.Trim(optionLine[:assignmentIndex], " \t")
	if (0 == len(optionName)) || strings.ContainsAny(optionName, " \t") {
		err = fmt.Errorf("malformed option name in: \"%v\"", optionLine)
		return
	}

	optionValuesSplit = splitOptionValues(optionLine[assignmentIndex+1:])

	err = nil
	return
}

func (confMap ConfMap) setOption(sectionName string, optionName string, optionValues []string) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}
	section[optionName] = optionValues
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		optionName        string
		optionValuesSplit []string
	)

	confStringTrimmed := strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	dotIndex := strings.Index(confStringTrimmed, ".")
	if 0 >= dotIndex {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	optionName, optionValuesSplit, err = splitOptionLine(confStringTrimmed[dotIndex+1:])
	if nil != err {
		err = fmt.Errorf("malformed confString: \"%v\" (%v)", confString, err)
		return
	}

	confMap.setOption(confStringTrimmed[:dotIndex], optionName, optionValuesSplit)

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		absConfFilePath    string
		confFileBytes      []byte
		currentLine        string
		currentLineNumber  int
		currentSectionName string
		nestedConfFilePath string
		optionName         string
		optionValuesSplit  []string
		scanner            *bufio.Scanner
	)

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	scanner = bufio.NewScanner(bytes.NewReader(confFileBytes))

	for scanner.Scan() {
		currentLineNumber++

		currentLine = scanner.Text()
		currentLine = strings.SplitN(currentLine, ";", 2)[0] // Trim comment after ';'
		currentLine = strings.SplitN(currentLine, "#", 2)[0] // Trim comment after '#'
		currentLine = strings.Trim(currentLine, " \t")

		if 0 == len(currentLine) {
			continue
		}

		switch {
		case strings.HasPrefix(currentLine, ".include"):
			nestedConfFilePath = strings.Trim(strings.TrimPrefix(currentLine, ".include"), " \t")
			if 0 == len(nestedConfFilePath) {
				err = fmt.Errorf("file %v line %v: .include missing file path", confFilePath, currentLineNumber)
				return
			}
			if '/' != nestedConfFilePath[0] {
				absConfFilePath, err = filepath.Abs(confFilePath)
				if nil != err {
					return
				}
				nestedConfFilePath = filepath.Join(filepath.Dir(absConfFilePath), nestedConfFilePath)
			}
			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}
			currentSectionName = ""
		case strings.HasPrefix(currentLine, "[") && strings.HasSuffix(currentLine, "]"):
			currentSectionName = strings.Trim(currentLine[1:len(currentLine)-1], " \t")
			if (0 == len(currentSectionName)) || strings.ContainsAny(currentSectionName, ". \t") {
				err = fmt.Errorf("file %v line %v: malformed section name '%v'", confFilePath, currentLineNumber, currentLine)
				return
			}
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v did not start with a Section Name", confFilePath)
				return
			}
			optionName, optionValuesSplit, err = splitOptionLine(currentLine)
			if nil != err {
				err = fmt.Errorf("file %v line %v: %v", confFilePath, currentLineNumber, err)
				return
			}
			confMap.setOption(currentSectionName, optionName, optionValuesSplit)
		}
	}

	err = scanner.Err()

	return
}

// VerifyOptionIsMissing returns an error if [sectionName]optionName exists
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = nil
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%v]%v exists", sectionName, optionName)
	} else {
		err = nil
	}

	return
}

// VerifyOptionValueIsEmpty returns an error if [sectionName]valueName's string value is not empty
func (confMap ConfMap) VerifyOptionValueIsEmpty(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	if 0 == len(option) {
		err = nil
	} else {
		err = fmt.Errorf("[%v]%v must have no value", sectionName, optionName)
	}

	return
}

// FetchOptionValueStringSlice returns [sectionName]valueName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	err = nil
	return
}

// FetchOptionValueString returns [sectionName]valueName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValue = ""

	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 0 == len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must have a value", sectionName, optionName)
		return
	}
	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must have a single value", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	err = nil
	return
}

// FetchOptionValueBool returns [sectionName]valueName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("Couldn't interpret %q as boolean (expected one of 'true'/'false'/'yes'/'no'/'on'/'off')", optionValueString)
		return
	}

	err = nil
	return
}

func (confMap ConfMap) fetchOptionValueUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueUint16 returns [sectionName]valueName's single string value converted to a uint16
func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	optionValueAsUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 16)
	optionValue = uint16(optionValueAsUint64)
	return
}

// FetchOptionValueUint32 returns [sectionName]valueName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueAsUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 32)
	optionValue = uint32(optionValueAsUint64)
	return
}

// FetchOptionValueUint64 returns [sectionName]valueName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue, err = confMap.fetchOptionValueUint(sectionName, optionName, 64)
	return
}

// FetchOptionValueFloat64 returns [sectionName]valueName's single string value converted to a float64
func (confMap ConfMap) FetchOptionValueFloat64(sectionName string, optionName string) (optionValue float64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseFloat(optionValueString, 64)

	return
}

// FetchOptionValueByteSize returns [sectionName]valueName's single string value
// interpreted as a (possibly humanized, e.g. "4MiB" or "64 kB") byte count
func (confMap ConfMap) FetchOptionValueByteSize(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = humanize.ParseBytes(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, err)
	}

	return
}

// FetchOptionValueDuration returns [sectionName]valueName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		return
	}

	if 0.0 > optionValue.Seconds() {
		err = fmt.Errorf("[%v]%v is negative", sectionName, optionName)
		return
	}

	err = nil
	return
}

// Dump returns the ConfMap in .conf file format with sections and options sorted
func (confMap ConfMap) Dump() (confMapAsString string) {
	var (
		builder      strings.Builder
		optionNames  []string
		sectionNames []string
	)

	for sectionName := range confMap {
		sectionNames = append(sectionNames, sectionName)
	}
	sort.Strings(sectionNames)

	for sectionIndex, sectionName := range sectionNames {
		if 0 < sectionIndex {
			builder.WriteString("\n")
		}
		fmt.Fprintf(&builder, "[%s]\n", sectionName)

		optionNames = optionNames[:0]
		for optionName := range confMap[sectionName] {
			optionNames = append(optionNames, optionName)
		}
		sort.Strings(optionNames)

		for _, optionName := range optionNames {
			fmt.Fprintf(&builder, "%s: %s\n", optionName, strings.Join(confMap[sectionName][optionName], ", "))
		}
	}

	confMapAsString = builder.String()
	return
}
