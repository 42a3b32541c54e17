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

package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Logging
		want    zerolog.Level
		wantErr bool
	}{
		{
			name: "golden path",
			cfg:  Logging{Env: "prod", Level: "info"},
			want: zerolog.InfoLevel,
		},
		{
			name: "development mode",
			cfg:  Logging{Env: "dev", Level: "warn"},
			want: zerolog.WarnLevel,
		},
		{
			name:    "invalid level",
			cfg:     Logging{Env: "prod", Level: "whisper"},
			wantErr: true,
		},
		{
			name:    "mismatched module levels",
			cfg:     Logging{Env: "prod", Level: "info", Modules: []string{"queue"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, GetLogger().GetLevel())
		})
	}
}

func TestModuleOverride(t *testing.T) {
	require.NoError(t, Init(Logging{
		Env:     "prod",
		Level:   "info",
		Modules: []string{"queue"},
		Levels:  []string{"debug"},
	}))
	assert.Equal(t, zerolog.DebugLevel, GetLogger("queue").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, GetLogger("swap").GetLevel())
}

func TestNamed(t *testing.T) {
	require.NoError(t, Init(Logging{Env: "prod", Level: "info"}))
	l := GetLogger("queue").Named("swap")
	assert.Equal(t, "QUEUE.SWAP", l.Module())
}
