// Этот файл содержит дисковое хранилище калибровочных профилей.
// Записи версионированы и читаются намного чаще, чем пишутся; сохраненный
// профиль загружается с побитово идентичными коэффициентами.
package govna

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	profileRecordVersion = 1
	profileFileExt       = ".cal"
)

// profileRecord — дисковое представление профиля. Комплексные коэффициенты
// хранятся парами float64 (re, im): CBOR кодирует float64 без потерь, что
// гарантирует побитовый round-trip.
type profileRecord struct {
	Version     int          `cbor:"1,keyasint"`
	ID          string       `cbor:"2,keyasint"`
	Name        string       `cbor:"3,keyasint"`
	Ports       int          `cbor:"4,keyasint"`
	CreatedAt   time.Time    `cbor:"5,keyasint"`
	SweepStart  uint64       `cbor:"6,keyasint"`
	SweepStop   uint64       `cbor:"7,keyasint"`
	SweepPoints int          `cbor:"8,keyasint"`
	Frequencies []uint64     `cbor:"9,keyasint"`
	Directivity [][2]float64 `cbor:"10,keyasint"`
	SourceMatch [][2]float64 `cbor:"11,keyasint"`
	ReflTrack   [][2]float64 `cbor:"12,keyasint"`
	TransTrack  [][2]float64 `cbor:"13,keyasint,omitempty"`
	LoadMatch   [][2]float64 `cbor:"14,keyasint,omitempty"`
	Isolation   [][2]float64 `cbor:"15,keyasint,omitempty"`
}

func complexToPairs(src []complex128) [][2]float64 {
	if src == nil {
		return nil
	}
	dst := make([][2]float64, len(src))
	for i, c := range src {
		dst[i] = [2]float64{real(c), imag(c)}
	}
	return dst
}

func pairsToComplex(src [][2]float64) []complex128 {
	if src == nil {
		return nil
	}
	dst := make([]complex128, len(src))
	for i, p := range src {
		dst[i] = complex(p[0], p[1])
	}
	return dst
}

func recordFromProfile(p *CalibrationProfile) profileRecord {
	return profileRecord{
		Version:     profileRecordVersion,
		ID:          p.ID,
		Name:        p.Name,
		Ports:       p.Ports,
		CreatedAt:   p.CreatedAt,
		SweepStart:  p.Sweep.Start,
		SweepStop:   p.Sweep.Stop,
		SweepPoints: p.Sweep.Points,
		Frequencies: p.Terms.Frequencies,
		Directivity: complexToPairs(p.Terms.Directivity),
		SourceMatch: complexToPairs(p.Terms.SourceMatch),
		ReflTrack:   complexToPairs(p.Terms.ReflectionTracking),
		TransTrack:  complexToPairs(p.Terms.TransmissionTracking),
		LoadMatch:   complexToPairs(p.Terms.LoadMatch),
		Isolation:   complexToPairs(p.Terms.Isolation),
	}
}

func (r profileRecord) toProfile() *CalibrationProfile {
	return &CalibrationProfile{
		ID:        r.ID,
		Name:      r.Name,
		Ports:     r.Ports,
		CreatedAt: r.CreatedAt,
		Sweep:     SweepConfig{Start: r.SweepStart, Stop: r.SweepStop, Points: r.SweepPoints},
		Terms: ErrorTermSet{
			Frequencies:          r.Frequencies,
			Directivity:          pairsToComplex(r.Directivity),
			SourceMatch:          pairsToComplex(r.SourceMatch),
			ReflectionTracking:   pairsToComplex(r.ReflTrack),
			TransmissionTracking: pairsToComplex(r.TransTrack),
			LoadMatch:            pairsToComplex(r.LoadMatch),
			Isolation:            pairsToComplex(r.Isolation),
		},
	}
}

// ProfileStore хранит профили в каталоге, по файлу на профиль.
type ProfileStore struct {
	dir string
	mu  sync.Mutex
}

func NewProfileStore(dir string) (*ProfileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог профилей %s: %w", dir, err)
	}
	return &ProfileStore{dir: dir}, nil
}

func (s *ProfileStore) path(id string) string {
	return filepath.Join(s.dir, id+profileFileExt)
}

// Save записывает профиль атомарно: во временный файл с переименованием,
// чтобы конкурентный Load никогда не увидел запись наполовину.
func (s *ProfileStore) Save(p *CalibrationProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := cbor.Marshal(recordFromProfile(p))
	if err != nil {
		return fmt.Errorf("не удалось сериализовать профиль %s: %w", p.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.dir, "profile-*.tmp")
	if err != nil {
		return fmt.Errorf("не удалось создать временный файл профиля: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("не удалось записать профиль %s: %w", p.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("не удалось закрыть файл профиля %s: %w", p.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(p.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("не удалось сохранить профиль %s: %w", p.ID, err)
	}
	return nil
}

// Load читает профиль по идентификатору.
func (s *ProfileStore) Load(id string) (*CalibrationProfile, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("профиль %s не найден", id)
		}
		return nil, fmt.Errorf("не удалось прочитать профиль %s: %w", id, err)
	}
	var record profileRecord
	if err := cbor.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("не удалось разобрать профиль %s: %w", id, err)
	}
	if record.Version != profileRecordVersion {
		return nil, fmt.Errorf("профиль %s записан неизвестной версией формата %d", id, record.Version)
	}
	profile := record.toProfile()
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

// List возвращает все сохраненные профили.
func (s *ProfileStore) List() ([]*CalibrationProfile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("не удалось прочитать каталог профилей: %w", err)
	}
	profiles := make([]*CalibrationProfile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, profileFileExt) {
			continue
		}
		profile, err := s.Load(strings.TrimSuffix(name, profileFileExt))
		if err != nil {
			// Поврежденный файл не должен прятать остальные профили.
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, nil
}

// Delete удаляет профиль с диска.
func (s *ProfileStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("профиль %s не найден", id)
		}
		return fmt.Errorf("не удалось удалить профиль %s: %w", id, err)
	}
	return nil
}
