/*
Copyright 2026 The Netenforcer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tc

import (
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// parseSentBytes scans the output of `tc -s class show dev <dev> parent
// <parent>:` for the block starting with the literal "class htb
// <parent>:<minor>" and returns the integer following the next "Sent "
// token in that block. A missing block returns 0, not an error — the
// explicit parse-failure contract: a class that was torn down, or never
// created, has simply sent zero bytes as far as this reader is concerned.
func parseSentBytes(output string, parent, minor uint32) (uint64, error) {
	want := "class htb " + classID(parent, minor) + " "
	lines := strings.Split(output, "\n")
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(strings.TrimSpace(line), "class htb") {
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(line)+" ", want) {
			continue
		}
		// The "Sent " token lives on this line or one of the following
		// lines belonging to the same class block, up to the next "class"
		// line.
		for j := i; j < len(lines); j++ {
			if j > i && strings.HasPrefix(strings.TrimSpace(lines[j]), "class ") {
				break
			}
			if n, ok := extractSentToken(lines[j]); ok {
				return n, nil
			}
		}
		klog.V(4).Infof("tc: class %s found but no Sent token in its block", classID(parent, minor))
		return 0, nil
	}
	klog.V(4).Infof("tc: class %s not found in counter output", classID(parent, minor))
	return 0, nil
}

// extractSentToken looks for a literal "Sent " token in line and parses
// the integer immediately following it.
func extractSentToken(line string) (uint64, bool) {
	const token = "Sent "
	idx := strings.Index(line, token)
	if idx < 0 {
		return 0, false
	}
	rest := line[idx+len(token):]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
