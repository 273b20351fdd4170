// Copyright 2015 Google Inc. All Rights Reserved.
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

package mount

import (
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
)

func TestFlag(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type FlagTest struct {
}

func init() {
	RegisterTestSuite(&FlagTest{})
}

////////////////////////////////////////////////////////////////////////
// Tests for FlagTest
////////////////////////////////////////////////////////////////////////

func (t *FlagTest) ParseOptionsSplitsOnFirstEquals() {
	m := make(map[string]string)

	ParseOptions(m, "user,foo=bar=baz,qux")

	ExpectEq(3, len(m))
	ExpectEq("", m["user"])
	ExpectEq("bar=baz", m["foo"])
	ExpectEq("", m["qux"])
}

func (t *FlagTest) ParseOptionsOverwritesEarlierValues() {
	m := map[string]string{"ro": "", "uid": "1"}

	ParseOptions(m, "uid=2")

	ExpectEq("2", m["uid"])
	ExpectEq("", m["ro"])
}

func (t *FlagTest) FuseOptionsMergesArguments() {
	m := FuseOptions([]string{"allow_other,ro", "max_read=4096", ""})

	ExpectThat(m, DeepEquals(map[string]string{
		"allow_other": "",
		"ro":          "",
		"max_read":    "4096",
	}))
}

func (t *FlagTest) FuseOptionsDropsHelperOptions() {
	m := FuseOptions([]string{"_netdev,user,noauto,rw"})

	ExpectThat(m, DeepEquals(map[string]string{"rw": ""}))
}

func (t *FlagTest) FuseOptionsOfNothing() {
	ExpectEq(0, len(FuseOptions(nil)))
}
