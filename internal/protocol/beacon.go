package protocol

import (
	"bytes"
	"errors"

	"github.com/goccy/go-json"

	"github.com/dkeye/Party/internal/domain"
)

const (
	// DiscoverRequest is the literal beacon a scanner sends.
	DiscoverRequest = "DISCOVER"
	// BeaconResponsePrefix precedes the JSON advertisement in a host answer.
	BeaconResponsePrefix = "PARTY_SESSION:"
)

var ErrNotBeaconResponse = errors.New("protocol: not a beacon response")

func IsDiscoverRequest(b []byte) bool {
	return string(bytes.TrimSpace(b)) == DiscoverRequest
}

func EncodeBeaconResponse(adv domain.SessionAdvertisement) ([]byte, error) {
	body, err := json.Marshal(adv)
	if err != nil {
		return nil, err
	}
	return append([]byte(BeaconResponsePrefix), body...), nil
}

func DecodeBeaconResponse(b []byte) (domain.SessionAdvertisement, error) {
	var adv domain.SessionAdvertisement
	if !bytes.HasPrefix(b, []byte(BeaconResponsePrefix)) {
		return adv, ErrNotBeaconResponse
	}
	if err := json.Unmarshal(b[len(BeaconResponsePrefix):], &adv); err != nil {
		return adv, err
	}
	if adv.SessionID == "" {
		return adv, errors.New("protocol: beacon response without session id")
	}
	return adv, nil
}
