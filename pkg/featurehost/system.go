package featurehost

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/pion/logging"

	"github.com/go-carlink/carlink/pkg/carlink"
	"github.com/go-carlink/carlink/pkg/securedchannel"
	"github.com/go-carlink/carlink/pkg/wire"
)

// System query opcodes. A Query.Request is a single opcode byte; for
// isFeatureSupported the feature ids being asked about ride in
// Query.Parameters as a newline-joined list of recipient UUID strings.
const (
	systemQueryDeviceName        byte = 0
	systemQueryAppName           byte = 1
	systemQueryUserRole          byte = 2
	systemQueryIsFeatureSupported byte = 3
)

// UserRole is the vehicle-reported occupant role for this phone.
type UserRole string

const (
	RoleUnknown   UserRole = ""
	RoleDriver    UserRole = "driver"
	RolePassenger UserRole = "passenger"
)

// QuerySender is the subset of securedchannel.Channel the system feature
// needs to issue its own outbound userRole query.
type QuerySender interface {
	SendQuery(ctx context.Context, recipient carlink.RecipientUUID, query wire.Query, onResponse securedchannel.ResponseCallback) (int32, error)
}

// SystemFeature answers deviceName/appName/isFeatureSupported queries
// from the car (any other opcode, userRole included, gets an unsuccessful
// response) and asks the car for this phone's user role once a channel is
// established.
type SystemFeature struct {
	UnimplementedFeature

	deviceName string
	appName    string
	sender     QuerySender
	supported  func(id carlink.RecipientUUID) bool
	onRole     func(car Car, role UserRole)
	log        logging.LeveledLogger
}

// NewSystemFeature returns a SystemFeature. supported reports whether a
// Feature is registered under a given recipient UUID (wired to
// Host.IsFeatureSupported by the caller); onRole, if non-nil, is invoked
// when the car answers the outbound userRole query.
func NewSystemFeature(deviceName, appName string, sender QuerySender, supported func(carlink.RecipientUUID) bool, onRole func(Car, UserRole), loggerFactory logging.LoggerFactory) *SystemFeature {
	f := &SystemFeature{
		deviceName: deviceName,
		appName:    appName,
		sender:     sender,
		supported:  supported,
		onRole:     onRole,
	}
	if loggerFactory != nil {
		f.log = loggerFactory.NewLogger("featurehost.system")
	}
	return f
}

func (f *SystemFeature) RecipientUUID() carlink.RecipientUUID {
	return carlink.SystemFeatureRecipientUUID
}

// OnSecureChannelEstablished issues the outbound userRole query.
func (f *SystemFeature) OnSecureChannelEstablished(car Car) {
	_, err := f.sender.SendQuery(context.Background(), carlink.SystemFeatureRecipientUUID, wire.Query{Request: []byte{systemQueryUserRole}}, func(resp wire.QueryResponse) {
		role := RoleUnknown
		if resp.IsSuccessful {
			role = UserRole(resp.Response)
		}
		if f.onRole != nil {
			f.onRole(car, role)
		}
	})
	if err != nil && f.log != nil {
		f.log.Warnf("system feature failed to query userRole for car %s: %v", car.CarID, err)
	}
}

func (f *SystemFeature) OnQueryReceived(ctx context.Context, query wire.Query, car Car, respond ResponseHandle) {
	if len(query.Request) == 0 {
		_ = respond(ctx, wire.QueryResponse{ID: query.ID, IsSuccessful: false})
		return
	}

	switch query.Request[0] {
	case systemQueryDeviceName:
		_ = respond(ctx, wire.QueryResponse{ID: query.ID, IsSuccessful: true, Response: []byte(f.deviceName)})
	case systemQueryAppName:
		if f.appName == "" {
			_ = respond(ctx, wire.QueryResponse{ID: query.ID, IsSuccessful: false})
			return
		}
		_ = respond(ctx, wire.QueryResponse{ID: query.ID, IsSuccessful: true, Response: []byte(f.appName)})
	case systemQueryIsFeatureSupported:
		_ = respond(ctx, wire.QueryResponse{ID: query.ID, IsSuccessful: true, Response: f.encodeSupportMap(query.Parameters)})
	default:
		_ = respond(ctx, wire.QueryResponse{ID: query.ID, IsSuccessful: false})
	}
}

// encodeSupportMap answers isFeatureSupported{feature-ids}: a newline-
// joined "uuid=0|1" list, one entry per requested id that parses as a
// recipient UUID. Malformed UUIDs are silently omitted.
func (f *SystemFeature) encodeSupportMap(params []byte) []byte {
	ids := strings.Split(string(params), "\n")
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !looksLikeUUID(id) {
			continue
		}
		supported := "0"
		if f.supported(carlink.RecipientUUID(id)) {
			supported = "1"
		}
		out = append(out, id+"="+supported)
	}
	return []byte(strings.Join(out, "\n"))
}

func looksLikeUUID(s string) bool {
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

var _ Feature = (*SystemFeature)(nil)
