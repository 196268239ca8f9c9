package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"viralsandbox/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// EncodeSession serializes a snapshot without its round history.
func EncodeSession(snap model.SessionSnapshot) ([]byte, error) {
	snap.History = nil
	return json.Marshal(snap)
}

func DecodeSession(data []byte) (model.SessionSnapshot, error) {
	var snap model.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return model.SessionSnapshot{}, err
	}
	if err := checkVersion(snap.VersionedRecord); err != nil {
		return model.SessionSnapshot{}, err
	}
	return snap, nil
}

// EncodeExport serializes a complete snapshot, history included, for
// hand-off outside the store.
func EncodeExport(snap model.SessionSnapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

func DecodeExport(data []byte) (model.SessionSnapshot, error) {
	return DecodeSession(data)
}

// EncodeCatalog stamps unversioned documents with the current versions.
func EncodeCatalog(doc model.CatalogDocument) ([]byte, error) {
	if doc.SchemaVersion == 0 && doc.CodecVersion == 0 {
		doc.VersionedRecord = model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
	}
	return json.Marshal(doc)
}

func DecodeCatalog(data []byte) (model.CatalogDocument, error) {
	var doc model.CatalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.CatalogDocument{}, err
	}
	if err := checkVersion(doc.VersionedRecord); err != nil {
		return model.CatalogDocument{}, err
	}
	return doc, nil
}

func EncodeHistory(history []model.RoundOutcome) ([]byte, error) {
	if history == nil {
		history = []model.RoundOutcome{}
	}
	return json.Marshal(history)
}

func DecodeHistory(data []byte) ([]model.RoundOutcome, error) {
	var history []model.RoundOutcome
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema %d codec %d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
