// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const parentProcessDir = "/var/generic/puffs"

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type UtilTest struct {
	suite.Suite
}

func TestUtilSuite(t *testing.T) {
	suite.Run(t, new(UtilTest))
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (ts *UtilTest) TestResolveWhenParentProcDirEnvNotSetAndFilePathStartsWithTilda() {
	resolvedPath, err := GetResolvedPath("~/test.txt")

	assert.Equal(ts.T(), nil, err)
	homeDir, err := os.UserHomeDir()
	assert.Equal(ts.T(), nil, err)
	assert.Equal(ts.T(), filepath.Join(homeDir, "test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvNotSetAndRelativePath() {
	resolvedPath, err := GetResolvedPath("test.txt")

	assert.Equal(ts.T(), nil, err)
	currentWorkingDir, err := os.Getwd()
	assert.Equal(ts.T(), nil, err)
	assert.Equal(ts.T(), filepath.Join(currentWorkingDir, "test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveAbsoluteFilePath() {
	resolvedPath, err := GetResolvedPath("/var/dir/test.txt")

	assert.Equal(ts.T(), nil, err)
	assert.Equal(ts.T(), "/var/dir/test.txt", resolvedPath)
}

func (ts *UtilTest) TestResolveEmptyFilePath() {
	resolvedPath, err := GetResolvedPath("")

	assert.Equal(ts.T(), nil, err)
	assert.Equal(ts.T(), "", resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvSetAndFilePathStartsWithDot() {
	ts.T().Setenv(PUFFS_PARENT_PROCESS_DIR, parentProcessDir)

	resolvedPath, err := GetResolvedPath("./test.txt")

	assert.Equal(ts.T(), nil, err)
	assert.Equal(ts.T(), filepath.Join(parentProcessDir, "./test.txt"), resolvedPath)
}

func (ts *UtilTest) TestResolveWhenParentProcDirEnvSetAndFilePathStartsWithDoubleDot() {
	ts.T().Setenv(PUFFS_PARENT_PROCESS_DIR, parentProcessDir)

	resolvedPath, err := GetResolvedPath("../test.txt")

	assert.Equal(ts.T(), nil, err)
	assert.Equal(ts.T(), filepath.Join(parentProcessDir, "../test.txt"), resolvedPath)
}

func (ts *UtilTest) TestStringifyShouldReturnAllFieldsAsMarshalledString() {
	customObject := &customTypeForSuccess{
		Value: "test_value",
		NestedValue: nestedCustomType{
			SomeField: 10,
			SomeOther: map[string]int{"1": 1, "2": 2},
		},
	}

	actual, err := Stringify(customObject)

	assert.NoError(ts.T(), err)
	assert.Equal(ts.T(), "{\"Value\":\"test_value\",\"NestedValue\":{\"SomeField\":10,\"SomeOther\":{\"1\":1,\"2\":2}}}", actual)
}

func (ts *UtilTest) TestStringifyShouldReturnEmptyStringWhenMarshalErrorsOut() {
	actual, err := Stringify(customTypeForError{value: "example"})

	assert.Error(ts.T(), err)
	assert.Equal(ts.T(), "", actual)
}

type customTypeForSuccess struct {
	Value       string
	NestedValue nestedCustomType
}

type nestedCustomType struct {
	SomeField int
	SomeOther map[string]int
}

type customTypeForError struct {
	value string
}

// MarshalJSON returns an error to simulate a failure during JSON marshaling
func (c customTypeForError) MarshalJSON() ([]byte, error) {
	return nil, errors.New("intentional error during JSON marshaling")
}
