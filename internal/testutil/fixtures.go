package testutil

import (
	"time"

	"github.com/Shijas786/p2p-kerala/libs/apikey"
	"github.com/Shijas786/p2p-kerala/libs/auth"
	"github.com/google/uuid"
)

var (
	BuyerUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	SellerUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration) (string, error) {
	return auth.IssueJWT(userID.String(), "", ttl, secret)
}

func GenerateAPIKey(env string) (string, string, error) {
	return apikey.Generate(env)
}
