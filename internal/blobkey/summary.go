package blobkey

// BlobSummary is the compact metadata used to identify and compare a
// specific version of a blob across peers (spec §3).
type BlobSummary struct {
	CreateTime   uint64 // microseconds
	CreateServer ServerID
	CreateID     uint32
	DeadTime     int32
	Expire       int32
	VerExpire    int32
	Size         uint64
}

// SameVersion reports whether a and b identify the same blob version: the
// (create_time, create_server, create_id) triple is the version identity.
func SameVersion(a, b BlobSummary) bool {
	return a.CreateTime == b.CreateTime && a.CreateServer == b.CreateServer && a.CreateID == b.CreateID
}

// Newer reports whether a's creation triple is strictly newer than b's.
// Ties are broken by CreateServer for determinism.
func Newer(a, b BlobSummary) bool {
	if a.CreateTime != b.CreateTime {
		return a.CreateTime > b.CreateTime
	}
	if a.CreateServer != b.CreateServer {
		return a.CreateServer > b.CreateServer
	}
	return a.CreateID > b.CreateID
}

// ExpiryNewer reports whether a's expiry fields (dead_time, expire,
// ver_expire) are newer than b's, used to decide a prolong winner between
// two summaries that already share the same creation triple.
func ExpiryNewer(a, b BlobSummary) bool {
	if a.DeadTime != b.DeadTime {
		return a.DeadTime > b.DeadTime
	}
	if a.Expire != b.Expire {
		return a.Expire > b.Expire
	}
	return a.VerExpire > b.VerExpire
}
