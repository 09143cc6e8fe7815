// Package voicestore persists cloned voices and their reference samples.
//
// Layout under the voices directory:
//
//	cloud.json                    credential, default cloud voice, name → reference id
//	cloud/<name>.wav              samples uploaded to the cloud backend
//	local/<id>/reference.wav      local reference sample
//	local/<id>/metadata.json      local voice record
//
// The store is write-through: every mutation is persisted before it returns.
// There is no eviction.
package voicestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/MrWong99/voxbridge/internal/durable"
	"github.com/MrWong99/voxbridge/pkg/provider/tts"
)

const (
	cloudFileName    = "cloud.json"
	metadataFileName = "metadata.json"
	referenceName    = "reference.wav"
)

// ErrVoiceNotFound is returned by [Store.Rename] for unknown ids.
var ErrVoiceNotFound = errors.New("voicestore: voice not found")

type cloudVoice struct {
	ReferenceID    string    `json:"reference_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	ReferenceAudio string    `json:"reference_audio,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type cloudState struct {
	APIKey         string                `json:"api_key,omitempty"`
	DefaultVoiceID string                `json:"default_voice_id,omitempty"`
	Voices         map[string]cloudVoice `json:"voices"`
}

type localMetadata struct {
	VoiceID        string            `json:"voice_id"`
	DisplayName    string            `json:"display_name"`
	Language       string            `json:"language,omitempty"`
	ReferenceAudio string            `json:"reference_audio"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Store owns voice records and reference files. It is safe for concurrent
// use; concurrent mutations are last-writer-wins.
type Store struct {
	dir       string
	cloudFile *durable.File[cloudState]

	mu    sync.RWMutex
	cloud cloudState
	local map[string]localMetadata

	// saveMu orders cloud record writes so cloud.json always holds the state
	// of the most recent mutation.
	saveMu sync.Mutex
}

// Open loads the store rooted at dir, creating the directory if needed. An
// unreadable cloud record is logged and replaced by an empty one; unreadable
// local records are skipped.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("voicestore: directory must not be empty")
	}
	for _, d := range []string{dir, filepath.Join(dir, "cloud"), filepath.Join(dir, "local")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("voicestore: mkdir %s: %w", d, err)
		}
	}

	s := &Store{
		dir:       dir,
		cloudFile: durable.New[cloudState](filepath.Join(dir, cloudFileName)),
		local:     make(map[string]localMetadata),
	}

	cs, _, err := s.cloudFile.Load()
	if err != nil {
		slog.Warn("voicestore: ignoring unreadable cloud record", "path", s.cloudFile.Path(), "err", err)
	}
	if cs.Voices == nil {
		cs.Voices = make(map[string]cloudVoice)
	}
	s.cloud = cs

	entries, err := os.ReadDir(filepath.Join(dir, "local"))
	if err != nil {
		return nil, fmt.Errorf("voicestore: list local voices: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		md, err := readMetadata(filepath.Join(dir, "local", e.Name(), metadataFileName))
		if err != nil {
			slog.Warn("voicestore: skipping local voice", "id", e.Name(), "err", err)
			continue
		}
		if md.VoiceID == "" {
			md.VoiceID = e.Name()
		}
		s.local[md.VoiceID] = md
	}

	slog.Debug("voicestore opened", "dir", dir, "cloud_voices", len(s.cloud.Voices), "local_voices", len(s.local))
	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// LocalDir returns the directory holding local voice records and custom
// embedding tables.
func (s *Store) LocalDir() string { return filepath.Join(s.dir, "local") }

// ---- local voices ----

// SaveLocal stores a reference sample and metadata for a local voice and
// returns the resulting record. Re-using a name overwrites the previous
// sample.
func (s *Store) SaveLocal(name, language string, sample []byte, meta map[string]string) (tts.Voice, error) {
	id := Slug(name)
	if id == "" {
		id = uuid.NewString()
	}
	if name == "" {
		name = id
	}

	vdir := filepath.Join(s.LocalDir(), id)
	ref := filepath.Join(vdir, referenceName)
	if err := durable.WriteAtomic(ref, sample); err != nil {
		return tts.Voice{}, fmt.Errorf("voicestore: save local sample: %w", err)
	}

	md := localMetadata{
		VoiceID:        id,
		DisplayName:    name,
		Language:       language,
		ReferenceAudio: ref,
		CreatedAt:      time.Now().UTC(),
		Metadata:       mergeMeta(meta, probeSample(sample)),
	}
	if err := writeMetadata(filepath.Join(vdir, metadataFileName), md); err != nil {
		return tts.Voice{}, err
	}

	s.mu.Lock()
	s.local[id] = md
	s.mu.Unlock()

	return md.voice(), nil
}

// LocalVoice returns the local voice with the given id.
func (s *Store) LocalVoice(id string) (tts.Voice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.local[id]
	if !ok {
		return tts.Voice{}, false
	}
	return md.voice(), true
}

// LocalVoices returns all local voices ordered by creation time.
func (s *Store) LocalVoices() []tts.Voice {
	s.mu.RLock()
	out := make([]tts.Voice, 0, len(s.local))
	for _, md := range s.local {
		out = append(out, md.voice())
	}
	s.mu.RUnlock()
	sortVoices(out)
	return out
}

// LatestSample returns the path of the most recently stored reference sample
// across both backends, if any exists on disk.
func (s *Store) LatestSample() (string, bool) {
	voices := append(s.LocalVoices(), s.CloudVoices()...)
	sortVoices(voices)
	for _, v := range slices.Backward(voices) {
		if v.ReferenceAudioPath == "" {
			continue
		}
		if _, err := os.Stat(v.ReferenceAudioPath); err == nil {
			return v.ReferenceAudioPath, true
		}
	}
	return "", false
}

// ---- cloud voices ----

// PutCloud records a cloud reference id for name and stores the uploaded
// sample. The first cloud voice ever recorded becomes the cloud default.
//
// The record is kept in memory even when it cannot be written; the voice is
// returned together with an error wrapping [durable.ErrSaveFailed].
func (s *Store) PutCloud(name, referenceID string, sample []byte) (tts.Voice, error) {
	key := Slug(name)
	if key == "" {
		key = referenceID
	}

	var (
		ref       string
		sampleErr error
	)
	if len(sample) > 0 {
		ref = filepath.Join(s.dir, "cloud", key+".wav")
		if err := durable.WriteAtomic(ref, sample); err != nil {
			sampleErr = fmt.Errorf("voicestore: save cloud sample: %w: %v", durable.ErrSaveFailed, err)
			ref = ""
		}
	}

	cv := cloudVoice{
		ReferenceID:    referenceID,
		DisplayName:    name,
		ReferenceAudio: ref,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.updateCloud(func(cs *cloudState) bool {
		cs.Voices[key] = cv
		if cs.DefaultVoiceID == "" {
			cs.DefaultVoiceID = referenceID
		}
		return true
	})
	if err = errors.Join(sampleErr, err); err != nil {
		return cv.voice(), err
	}
	return cv.voice(), nil
}

// updateCloud applies fn to the cloud record and saves it when fn reports a
// change. Mutation and save happen under saveMu.
func (s *Store) updateCloud(fn func(*cloudState) bool) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	changed := fn(&s.cloud)
	snapshot := s.cloneCloudLocked()
	s.mu.Unlock()

	if !changed {
		return nil
	}
	return s.cloudFile.Save(snapshot)
}

// CloudVoices returns all recorded cloud voices ordered by creation time.
func (s *Store) CloudVoices() []tts.Voice {
	s.mu.RLock()
	out := make([]tts.Voice, 0, len(s.cloud.Voices))
	for _, cv := range s.cloud.Voices {
		out = append(out, cv.voice())
	}
	s.mu.RUnlock()
	sortVoices(out)
	return out
}

// CloudReference resolves a voice name to its cloud reference id.
func (s *Store) CloudReference(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cv, ok := s.cloud.Voices[Slug(name)]
	return cv.ReferenceID, ok
}

// CloudDefault returns the default cloud reference id, or "" if none was
// ever established.
func (s *Store) CloudDefault() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloud.DefaultVoiceID
}

// SetCloudDefault persists id as the default cloud voice.
func (s *Store) SetCloudDefault(id string) error {
	return s.updateCloud(func(cs *cloudState) bool {
		cs.DefaultVoiceID = id
		return true
	})
}

// APIKey returns the persisted cloud credential.
func (s *Store) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cloud.APIKey
}

// SetAPIKey persists a new cloud credential.
func (s *Store) SetAPIKey(key string) error {
	return s.updateCloud(func(cs *cloudState) bool {
		cs.APIKey = key
		return true
	})
}

// ---- rename ----

// Rename changes the display name of a voice. The id is unchanged.
func (s *Store) Rename(backend tts.Backend, id, displayName string) error {
	switch backend {
	case tts.BackendLocal:
		s.mu.Lock()
		md, ok := s.local[id]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: local %q", ErrVoiceNotFound, id)
		}
		md.DisplayName = displayName
		s.local[id] = md
		s.mu.Unlock()
		return writeMetadata(filepath.Join(s.LocalDir(), id, metadataFileName), md)

	case tts.BackendCloud:
		found := false
		err := s.updateCloud(func(cs *cloudState) bool {
			for k, cv := range cs.Voices {
				if cv.ReferenceID == id {
					cv.DisplayName = displayName
					cs.Voices[k] = cv
					found = true
					return true
				}
			}
			return false
		})
		if !found {
			return fmt.Errorf("%w: cloud %q", ErrVoiceNotFound, id)
		}
		return err

	default:
		return fmt.Errorf("voicestore: unknown backend %q", backend)
	}
}

// ---- helpers ----

// Slug turns a display name into a filesystem-safe identifier.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func (s *Store) cloneCloudLocked() cloudState {
	cs := s.cloud
	cs.Voices = make(map[string]cloudVoice, len(s.cloud.Voices))
	for k, v := range s.cloud.Voices {
		cs.Voices[k] = v
	}
	return cs
}

func (md localMetadata) voice() tts.Voice {
	return tts.Voice{
		ID:                 md.VoiceID,
		DisplayName:        md.DisplayName,
		Language:           md.Language,
		Backend:            tts.BackendLocal,
		ReferenceAudioPath: md.ReferenceAudio,
		CreatedAt:          md.CreatedAt,
		Metadata:           md.Metadata,
	}
}

func (cv cloudVoice) voice() tts.Voice {
	return tts.Voice{
		ID:                 cv.ReferenceID,
		DisplayName:        cv.DisplayName,
		Backend:            tts.BackendCloud,
		ReferenceAudioPath: cv.ReferenceAudio,
		CreatedAt:          cv.CreatedAt,
	}
}

func sortVoices(vs []tts.Voice) {
	slices.SortStableFunc(vs, func(a, b tts.Voice) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func readMetadata(path string) (localMetadata, error) {
	var md localMetadata
	data, err := os.ReadFile(path)
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("decode %s: %w", path, err)
	}
	return md, nil
}

func writeMetadata(path string, md localMetadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("voicestore: encode metadata: %w", err)
	}
	if err := durable.WriteAtomic(path, data); err != nil {
		return fmt.Errorf("voicestore: save metadata: %w", err)
	}
	return nil
}

// probeSample extracts format facts from a WAV sample. Non-WAV samples yield
// no facts.
func probeSample(sample []byte) map[string]string {
	d := wav.NewDecoder(bytes.NewReader(sample))
	if !d.IsValidFile() {
		return nil
	}
	facts := map[string]string{
		"sample_rate": strconv.Itoa(int(d.SampleRate)),
		"channels":    strconv.Itoa(int(d.NumChans)),
	}
	if dur, err := d.Duration(); err == nil {
		facts["duration_seconds"] = strconv.FormatFloat(dur.Seconds(), 'f', 2, 64)
	}
	return facts
}

func mergeMeta(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}
