package carstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// jsonDocument is the on-disk layout of one car's association record:
// {name, session_blob (base64), auth_key (base64), security_version}.
type jsonDocument struct {
	Name            string `json:"name"`
	SessionBlob     string `json:"session_blob"`
	AuthKey         string `json:"auth_key"`
	SecurityVersion int    `json:"security_version"`
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func carIDToFilename(carID string) string {
	return strings.ReplaceAll(carID, string(filepath.Separator), "_") + ".json"
}

// JSONKeyStore persists one AssociationRecord per car as a JSON document
// under root, one file per car id.
type JSONKeyStore struct {
	root string
}

// NewJSONKeyStore returns a JSONKeyStore rooted at dir, creating it if
// necessary.
func NewJSONKeyStore(dir string) (*JSONKeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &JSONKeyStore{root: dir}, nil
}

func (s *JSONKeyStore) path(carID string) string {
	return filepath.Join(s.root, carIDToFilename(carID))
}

func (s *JSONKeyStore) Get(carID string) (AssociationRecord, bool, error) {
	data, err := os.ReadFile(s.path(carID))
	if os.IsNotExist(err) {
		return AssociationRecord{}, false, nil
	}
	if err != nil {
		return AssociationRecord{}, false, err
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return AssociationRecord{}, false, fmt.Errorf("carstore: decode %s: %w", carID, err)
	}

	sessionBlob, err := base64.StdEncoding.DecodeString(doc.SessionBlob)
	if err != nil {
		return AssociationRecord{}, false, fmt.Errorf("carstore: decode session_blob for %s: %w", carID, err)
	}
	authKeyBytes, err := base64.StdEncoding.DecodeString(doc.AuthKey)
	if err != nil {
		return AssociationRecord{}, false, fmt.Errorf("carstore: decode auth_key for %s: %w", carID, err)
	}

	rec := AssociationRecord{
		CarID:           carID,
		Name:            doc.Name,
		SessionBlob:     sessionBlob,
		SecurityVersion: doc.SecurityVersion,
	}
	copy(rec.AuthKey[:], authKeyBytes)
	return rec, true, nil
}

func (s *JSONKeyStore) Put(rec AssociationRecord) error {
	doc := jsonDocument{
		Name:            rec.Name,
		SessionBlob:     base64.StdEncoding.EncodeToString(rec.SessionBlob),
		AuthKey:         base64.StdEncoding.EncodeToString(rec.AuthKey[:]),
		SecurityVersion: rec.SecurityVersion,
	}
	return writeJSONAtomic(s.path(rec.CarID), doc)
}

func (s *JSONKeyStore) Delete(carID string) error {
	err := os.Remove(s.path(carID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *JSONKeyStore) ListIDs() ([]string, error) {
	return listJSONIDs(s.root)
}

var _ KeyStore = (*JSONKeyStore)(nil)

func listJSONIDs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	return ids, nil
}

// jsonHistoryDocument is the on-disk layout of one car's unlock history.
type jsonHistoryDocument struct {
	Records []jsonUnlockRecord `json:"records"`
}

type jsonUnlockRecord struct {
	Timestamp time.Time `json:"timestamp"`
}

// JSONHistoryStore persists unlock history as one JSON document per car.
type JSONHistoryStore struct {
	root string
}

// NewJSONHistoryStore returns a JSONHistoryStore rooted at dir.
func NewJSONHistoryStore(dir string) (*JSONHistoryStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &JSONHistoryStore{root: dir}, nil
}

func (s *JSONHistoryStore) path(carID string) string {
	return filepath.Join(s.root, carIDToFilename(carID))
}

func (s *JSONHistoryStore) Append(rec UnlockRecord) error {
	doc, err := s.read(rec.CarID)
	if err != nil {
		return err
	}
	doc.Records = append(doc.Records, jsonUnlockRecord{Timestamp: rec.Timestamp})
	return writeJSONAtomic(s.path(rec.CarID), doc)
}

func (s *JSONHistoryStore) List(carID string) ([]UnlockRecord, error) {
	doc, err := s.read(carID)
	if err != nil {
		return nil, err
	}
	out := make([]UnlockRecord, len(doc.Records))
	for i, r := range doc.Records {
		out[i] = UnlockRecord{CarID: carID, Timestamp: r.Timestamp}
	}
	return out, nil
}

func (s *JSONHistoryStore) Clear(carID string) error {
	err := os.Remove(s.path(carID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *JSONHistoryStore) read(carID string) (jsonHistoryDocument, error) {
	data, err := os.ReadFile(s.path(carID))
	if os.IsNotExist(err) {
		return jsonHistoryDocument{}, nil
	}
	if err != nil {
		return jsonHistoryDocument{}, err
	}
	var doc jsonHistoryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return jsonHistoryDocument{}, fmt.Errorf("carstore: decode history for %s: %w", carID, err)
	}
	return doc, nil
}

var _ HistoryStore = (*JSONHistoryStore)(nil)

// jsonTrustedDeviceDocument is the on-disk layout of one car's escrow
// credential.
type jsonTrustedDeviceDocument struct {
	EscrowToken string `json:"escrow_token"`
	Handle      string `json:"handle"`
}

// JSONTrustedDeviceStore persists trusted-device escrow credentials as
// one JSON document per car.
type JSONTrustedDeviceStore struct {
	root string
}

// NewJSONTrustedDeviceStore returns a JSONTrustedDeviceStore rooted at
// dir.
func NewJSONTrustedDeviceStore(dir string) (*JSONTrustedDeviceStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &JSONTrustedDeviceStore{root: dir}, nil
}

func (s *JSONTrustedDeviceStore) path(carID string) string {
	return filepath.Join(s.root, carIDToFilename(carID))
}

func (s *JSONTrustedDeviceStore) Get(carID string) (TrustedDeviceRecord, bool, error) {
	data, err := os.ReadFile(s.path(carID))
	if os.IsNotExist(err) {
		return TrustedDeviceRecord{}, false, nil
	}
	if err != nil {
		return TrustedDeviceRecord{}, false, err
	}

	var doc jsonTrustedDeviceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return TrustedDeviceRecord{}, false, fmt.Errorf("carstore: decode trusted device for %s: %w", carID, err)
	}

	escrowToken, err := base64.StdEncoding.DecodeString(doc.EscrowToken)
	if err != nil {
		return TrustedDeviceRecord{}, false, err
	}
	handle, err := base64.StdEncoding.DecodeString(doc.Handle)
	if err != nil {
		return TrustedDeviceRecord{}, false, err
	}

	return TrustedDeviceRecord{CarID: carID, EscrowToken: escrowToken, Handle: handle}, true, nil
}

func (s *JSONTrustedDeviceStore) Put(rec TrustedDeviceRecord) error {
	doc := jsonTrustedDeviceDocument{
		EscrowToken: base64.StdEncoding.EncodeToString(rec.EscrowToken),
		Handle:      base64.StdEncoding.EncodeToString(rec.Handle),
	}
	return writeJSONAtomic(s.path(rec.CarID), doc)
}

func (s *JSONTrustedDeviceStore) Delete(carID string) error {
	err := os.Remove(s.path(carID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *JSONTrustedDeviceStore) ListIDs() ([]string, error) {
	return listJSONIDs(s.root)
}

var _ TrustedDeviceStore = (*JSONTrustedDeviceStore)(nil)
