package analyses

import (
	"path"

	"bikefit-backend/internal/shared/util"
)

const videoKeyPrefix = "videos"

// VideoKey derives the storage key for a submission. The analysis ID makes
// the key unique even when two owners upload the same file name at once.
func VideoKey(ownerID, analysisID, fileName string) string {
	return path.Join(videoKeyPrefix, util.OwnerSegment(ownerID), analysisID, util.SanitizeFileName(fileName))
}
