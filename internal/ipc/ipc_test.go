/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestDecodeCommand(t *testing.T) {
	out := "Speakers"
	rate := uint32(48000)
	high := "high"

	tests := []struct {
		name string
		line string
		want Command
	}{
		{"unit without payload", `{"type":"GetDevices"}`, &GetDevices{}},
		{"unit with null payload", `{"type":"Stop","payload":null}`, &Stop{}},
		{"start with optionals", `{"type":"Start","payload":{"host":"Wasapi","input":null,"output":"Speakers","sample_rate":48000}}`,
			&Start{Host: "Wasapi", Output: &out, SampleRate: &rate}},
		{"load plugin", `{"type":"LoadPlugin","payload":{"path":"builtin:gain"}}`, &LoadPlugin{Path: "builtin:gain"}},
		{"reorder empty", `{"type":"ReorderPlugins","payload":{"order":[]}}`, &ReorderPlugins{Order: []string{}}},
		{"gain", `{"type":"SetGain","payload":{"id":"a","value":0.5}}`, &SetGain{ID: "a", Value: 0.5}},
		{"noise reduction", `{"type":"SetNoiseReduction","payload":{"active":true,"mode":"high"}}`,
			&SetNoiseReduction{Active: true, Mode: &high}},
		{"noise reduction without mode", `{"type":"SetNoiseReduction","payload":{"active":false}}`,
			&SetNoiseReduction{}},
		{"input channels", `{"type":"SetInputChannels","payload":{"left":2,"right":3}}`,
			&SetInputChannels{Left: 2, Right: 3}},
		{"plugin state", `{"type":"SetPluginState","payload":{"id":"a","state":"e30="}}`,
			&SetPluginState{ID: "a", State: "e30="}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCommand_Errors(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"Explode"}`))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = DecodeCommand([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeCommand([]byte(`{"type":"SetGain","payload":{"id":"a","value":"loud"}}`))
	assert.ErrorContains(t, err, "invalid SetGain payload")
}

func TestEncodeCommand(t *testing.T) {
	line, err := EncodeCommand(Stop{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Stop"}`, string(line))

	line, err = EncodeCommand(&SetMute{ID: "x", Active: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"SetMute","payload":{"id":"x","active":true}}`, string(line))

	back, err := DecodeCommand(line)
	require.NoError(t, err)
	assert.Equal(t, &SetMute{ID: "x", Active: true}, back)
}

func TestMarshal_WireShapes(t *testing.T) {
	tests := []struct {
		name string
		kind string
		msg  Message
		want string
	}{
		{"success", KindResponse, Success(), `{"kind":"Response","data":{"type":"Success"}}`},
		{"error", KindResponse, Error("Plugin not found"), `{"kind":"Response","data":{"type":"Error","payload":"Plugin not found"}}`},
		{"started", KindEvent, Started(48000, 256), `{"kind":"Event","data":{"type":"Started","payload":{"sample_rate":48000,"buffer_size":256}}}`},
		{"empty devices", KindResponse, Devices(nil), `{"kind":"Response","data":{"type":"Devices","payload":[]}}`},
		{"plugin loaded", KindResponse, PluginLoaded("id1", "Gain", ""), `{"kind":"Response","data":{"type":"PluginLoaded","payload":{"id":"id1","name":"Gain","vendor":""}}}`},
		{"meter", KindEvent, LevelMeter(MeterLevels{Input: [2]float32{0.5, 0.25}}), `{"kind":"Event","data":{"type":"LevelMeter","payload":{"input":[0.5,0.25],"output":[0,0]}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Marshal(tt.kind, tt.msg)
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(string(line), Prefix))
			assert.JSONEq(t, tt.want, strings.TrimPrefix(string(line), Prefix))
		})
	}
}

func TestDeviceInfo_NullBufferRange(t *testing.T) {
	data, err := json.Marshal(DeviceInfo{Name: "Mic", Host: "ASIO", IsInput: true, Channels: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Mic","host":"ASIO","is_input":true,"buffer_size_range":null,"channels":2,"is_default":false}`, string(data))
}

func TestChannelLevels_HasFixedWidth(t *testing.T) {
	var peaks [ChannelScanWidth]float32
	peaks[3] = 0.7

	line, err := Marshal(KindEvent, ChannelLevels(peaks))
	require.NoError(t, err)
	peaks[3] = 0

	out, ok, err := ParseOutput(string(line))
	require.NoError(t, err)
	require.True(t, ok)

	var got []float32
	require.NoError(t, out.Data.Decode(&got))
	assert.Len(t, got, ChannelScanWidth)
	assert.InDelta(t, 0.7, got[3], 1e-6)
}

func TestParseOutput(t *testing.T) {
	out, ok, err := ParseOutput("[plugin] hello from the DSP\n")
	assert.NoError(t, err)
	assert.False(t, ok, "non-IPC lines are diagnostics")

	_, ok, err = ParseOutput("IPC:{broken")
	assert.True(t, ok)
	assert.Error(t, err)

	out, ok, err = ParseOutput(`IPC:{"kind":"Response","data":{"type":"Error","payload":"Unsupported host: Jack"}}` + "\r\n")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindResponse, out.Kind)
	assert.Equal(t, TypeError, out.Data.Type)
	assert.Equal(t, "Unsupported host: Jack", out.Data.Text())

	var stats RuntimeStats
	assert.Error(t, RawMessage{Type: TypeSuccess}.Decode(&stats))
}

func TestWriter_LinesAreAtomic(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Emit(Log("tick"))
			_ = w.Respond(Success())
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 100)
	for _, line := range lines {
		_, ok, err := ParseOutput(line)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestReadCommands(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"GetDevices"}`,
		``,
		`   `,
		`garbage`,
		`{"type":"SetGlobalMute","payload":{"active":true}}`,
	}, "\n")

	out := make(chan Command, 10)
	err := ReadCommands(context.Background(), strings.NewReader(input), out, testLogger())
	require.NoError(t, err)

	var got []Command
	for cmd := range out {
		got = append(got, cmd)
	}
	assert.Equal(t, []Command{&GetDevices{}, &SetGlobalMute{Active: true}}, got)
}

func TestReadCommands_OversizedLineIsSkipped(t *testing.T) {
	long := `{"type":"SetPluginState","payload":{"id":"a","state":"` + strings.Repeat("A", 500) + `"}}`
	input := strings.Join([]string{
		`{"type":"GetDevices"}`,
		long,
		`{"type":"Stop"}`,
	}, "\n")

	out := make(chan Command, 10)
	err := readCommands(context.Background(), strings.NewReader(input), out, testLogger(), 128)
	require.NoError(t, err, "an oversized line must not end the reader")

	var got []Command
	for cmd := range out {
		got = append(got, cmd)
	}
	assert.Equal(t, []Command{&GetDevices{}, &Stop{}}, got)
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name  string
		input string
		limit int
		lines []string
		sizes []int
	}{
		{"terminated", "ab\ncd\n", 10, []string{"ab", "cd"}, []int{2, 2}},
		{"unterminated tail", "ab\ncd", 10, []string{"ab", "cd"}, []int{2, 2}},
		{"longer than buffer", strings.Repeat("x", 40) + "\nok\n", 100, []string{strings.Repeat("x", 40), "ok"}, []int{40, 2}},
		{"over limit", strings.Repeat("x", 40) + "\nok\n", 20, nil, []int{40, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			for i, want := range tt.sizes {
				line, size, err := readLine(br, tt.limit)
				require.NoError(t, err)
				assert.Equal(t, want, size)
				if tt.lines != nil {
					assert.Equal(t, tt.lines[i], string(line))
				}
			}
			_, _, err := readLine(br, tt.limit)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestReadCommands_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Command)
	err := ReadCommands(ctx, strings.NewReader(`{"type":"Stop"}`+"\n"), out, testLogger())
	assert.ErrorIs(t, err, context.Canceled)
}
