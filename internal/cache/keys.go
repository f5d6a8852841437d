package cache

import (
	"context"
	"fmt"
)

// Key conventions shared by readers and the invalidation paths. Readers
// and writers must agree on these or mutations leave stale entries.

func KeyDashboardStats(userID int64) string {
	return fmt.Sprintf("stats:user:%d", userID)
}

func KeyUsageLimits(userID int64) string {
	return fmt.Sprintf("usage_limits:user:%d", userID)
}

func KeyKBList(userID int64, page, pageSize int) string {
	return fmt.Sprintf("kb:list:user:%d:p:%d:ps:%d", userID, page, pageSize)
}

func KeyKBDetail(kbID int64) string {
	return fmt.Sprintf("kb:detail:%d", kbID)
}

func KeyConvList(userID int64, page, pageSize int) string {
	return fmt.Sprintf("conv:list:user:%d:p:%d:ps:%d", userID, page, pageSize)
}

func KeyConvDetail(convID int64) string {
	return fmt.Sprintf("conv:detail:%d", convID)
}

func KeyFileList(userID int64, page, pageSize int) string {
	return fmt.Sprintf("file:list:user:%d:p:%d:ps:%d", userID, page, pageSize)
}

func PrefixUserKBList(userID int64) string {
	return fmt.Sprintf("kb:list:user:%d:", userID)
}

func PrefixUserConvList(userID int64) string {
	return fmt.Sprintf("conv:list:user:%d:", userID)
}

func PrefixUserFileList(userID int64) string {
	return fmt.Sprintf("file:list:user:%d:", userID)
}

// InvalidateConversation drops the conversation detail, the user's
// conversation list pages, and the dashboard snapshots after any
// conversation or message mutation.
func (c *Cache) InvalidateConversation(ctx context.Context, userID, convID int64) {
	c.Delete(ctx, KeyConvDetail(convID))
	c.DeleteByPrefix(ctx, PrefixUserConvList(userID))
	c.Delete(ctx, KeyDashboardStats(userID))
	c.Delete(ctx, KeyUsageLimits(userID))
}

// InvalidateKB drops the KB detail and the user's KB list pages plus
// dashboard stats after KB or ingestion mutations.
func (c *Cache) InvalidateKB(ctx context.Context, userID, kbID int64) {
	c.Delete(ctx, KeyKBDetail(kbID))
	c.DeleteByPrefix(ctx, PrefixUserKBList(userID))
	c.Delete(ctx, KeyDashboardStats(userID))
}

// InvalidateFiles drops the user's file list pages and dashboard stats.
func (c *Cache) InvalidateFiles(ctx context.Context, userID int64) {
	c.DeleteByPrefix(ctx, PrefixUserFileList(userID))
	c.Delete(ctx, KeyDashboardStats(userID))
	c.Delete(ctx, KeyUsageLimits(userID))
}
