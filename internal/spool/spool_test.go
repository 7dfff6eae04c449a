// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpool_AppendAndSize(t *testing.T) {
	s := New()

	n := s.Append([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, s.Size())

	n = s.Append([]byte(" world"))
	assert.Equal(t, 11, n)
	assert.Equal(t, 11, s.Size())
}

func TestSpool_NormalizesLineEndings(t *testing.T) {
	s := New()

	s.Append([]byte("a\r\nb\rc\n"))

	b, cursor := s.Read(0, 0)
	assert.Equal(t, "a\nb\nc\n", string(b))
	assert.Equal(t, len(b), cursor)
}

func TestSpool_ReadVisibleImmediately(t *testing.T) {
	s := New()
	s.Append([]byte("first"))

	b, cursor := s.Read(0, 0)
	assert.Equal(t, "first", string(b))
	assert.Equal(t, 5, cursor)

	s.Append([]byte("second"))
	b, cursor = s.Read(cursor, 0)
	assert.Equal(t, "second", string(b))
	assert.Equal(t, 11, cursor)
}

func TestSpool_ReadClampsCursorBeyondSize(t *testing.T) {
	s := New()
	s.Append([]byte("abc"))

	b, cursor := s.Read(100, 0)
	assert.Empty(t, b)
	assert.Equal(t, 3, cursor)
}

func TestSpool_ReadClampsMaxBytes(t *testing.T) {
	s := New()
	big := make([]byte, MaxReadCap+1000)
	for i := range big {
		big[i] = 'x'
	}
	s.Append(big)

	b, cursor := s.Read(0, MaxReadCap+1000)
	assert.Len(t, b, MaxReadCap)
	assert.Equal(t, MaxReadCap, cursor)
}

func TestSpool_ReadDefaultsWhenZero(t *testing.T) {
	s := New()
	big := make([]byte, DefaultReadMax+10)
	s.Append(big)

	b, _ := s.Read(0, 0)
	assert.Len(t, b, DefaultReadMax)
}

func TestSpool_MonotoneCursorNoDuplication(t *testing.T) {
	s := New()
	s.Append([]byte("0123456789"))

	b1, c1 := s.Read(0, 4)
	assert.Equal(t, "0123", string(b1))
	assert.Equal(t, 4, c1)

	b2, c2 := s.Read(c1, 4)
	assert.Equal(t, "4567", string(b2))
	assert.Equal(t, 8, c2)

	b3, c3 := s.Read(c2, 4)
	assert.Equal(t, "89", string(b3))
	assert.Equal(t, 10, c3)
}

func TestSpool_OpenPersistsAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.spool")

	s, err := Open(path)
	require.NoError(t, err)

	s.Append([]byte("a\r\nb\r"))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data)) // normalized on disk, not raw
}

func TestSpool_OpenResumesFromExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.spool")

	s1, err := Open(path)
	require.NoError(t, err)
	s1.Append([]byte("before restart\n"))
	cursor := s1.Size()
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, cursor, s2.Size())

	s2.Append([]byte("after\n"))
	b, next := s2.Read(cursor, 0)
	assert.Equal(t, "after\n", string(b))
	assert.Equal(t, cursor+6, next)
}

func TestSpool_OpenRefusesUnwritablePath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	defer os.Chmod(dir, 0o755)

	_, err := Open(filepath.Join(dir, "output.spool"))
	require.Error(t, err)
}

func TestSpool_ConcurrentAppendAndRead(t *testing.T) {
	s := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Append([]byte(fmt.Sprintf("chunk-%d\n", n)))
		}(i)
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Read(0, 0)
		}()
	}

	wg.Wait()
	assert.Greater(t, s.Size(), 0)
}
