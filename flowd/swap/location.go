// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package swap

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	swapFileSuffix = ".swap"
	swapTempSuffix = ".part"

	uuidLength = 36
)

var errMalformedSwapName = errors.New("file name does not follow the swap naming pattern")

// locationInfo is the ownership metadata a swap file name encodes:
// <epochMillis>-<queueUUID>-<randomUUID>[.<partition>].swap, or the legacy
// <epochMillis>-<randomUUID>.swap whose queue id lives inside the payload.
type locationInfo struct {
	queueID   string
	partition string
	timestamp int64
	legacy    bool
}

// swapFileName builds a name for a new swap file owned by the given queue and
// partition. The random component keeps concurrent swap-outs collision free.
func swapFileName(queueID, partition string, now time.Time) string {
	base := fmt.Sprintf("%d-%s-%s", now.UnixMilli(), queueID, uuid.NewString())
	if partition != "" {
		base += "." + partition
	}
	return base + swapFileSuffix
}

// parseSwapFileName decodes the naming grammar. A name whose leading
// timestamp does not parse is still accepted with the timestamp forced to the
// end of the sort order, matching recovery's oldest-first contract.
func parseSwapFileName(name string) (locationInfo, error) {
	if !strings.HasSuffix(name, swapFileSuffix) {
		return locationInfo{}, errors.Wrap(errMalformedSwapName, name)
	}
	core := strings.TrimSuffix(name, swapFileSuffix)

	var info locationInfo
	if idx := strings.LastIndex(core, "."); idx >= 0 {
		info.partition = core[idx+1:]
		core = core[:idx]
	}

	dash := strings.Index(core, "-")
	if dash < 0 {
		return locationInfo{}, errors.Wrap(errMalformedSwapName, name)
	}
	ts, err := strconv.ParseInt(core[:dash], 10, 64)
	if err != nil {
		ts = math.MaxInt64
	}
	info.timestamp = ts

	rest := core[dash+1:]
	switch {
	case len(rest) == uuidLength*2+1 && rest[uuidLength] == '-':
		info.queueID = rest[:uuidLength]
	case len(rest) == uuidLength:
		info.legacy = true
	default:
		return locationInfo{}, errors.Wrap(errMalformedSwapName, name)
	}
	return info, nil
}

// changePartition rewrites a swap file name's partition suffix.
func changePartition(name, newPartition string) (string, error) {
	if _, err := parseSwapFileName(name); err != nil {
		return "", err
	}
	core := strings.TrimSuffix(name, swapFileSuffix)
	if idx := strings.LastIndex(core, "."); idx >= 0 {
		core = core[:idx]
	}
	if newPartition != "" {
		core += "." + newPartition
	}
	return core + swapFileSuffix, nil
}
