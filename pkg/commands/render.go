package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NicolasHaas/gatekeep/pkg/model"
	pb "github.com/NicolasHaas/gatekeep/pkg/protocol/pb"
)

// Embed colors.
const (
	colorBanned  = 0xFEE75C
	colorAdded   = 0x00FF04
	colorRemoved = 0x00FF00
	colorInfo    = 0xFFB600
)

func mention(userID int64) string {
	return "<@" + strconv.FormatInt(userID, 10) + ">"
}

// relativeExpiry renders the expiry relative to now, e.g. "3 hours from
// now" or "2 days ago". Permanent restrictions render as "Never".
func relativeExpiry(r *model.Restriction, now time.Time) string {
	if r.Permanent() {
		return "Never"
	}
	return humanize.RelTime(r.ExpiresAt, now, "ago", "from now")
}

func bannedEmbed(r *model.Restriction, now time.Time) *pb.Embed {
	return &pb.Embed{
		Title: "You are Banned!",
		Description: fmt.Sprintf("**Oh, it looks like you got banned from the bot**\n"+
			"> **Expires At:** %s\n"+
			"> **Moderator:** %s\n\n"+
			"**Reason:**\n```%s```",
			relativeExpiry(r, now), mention(r.ModeratorID), r.Reason),
		Color:        colorBanned,
		ThumbnailFor: r.UserID,
	}
}

func addedEmbed(r *model.Restriction, now time.Time) *pb.Embed {
	return &pb.Embed{
		Title:       "User Blacklisted",
		Description: details(r, now),
		Color:       colorAdded,
	}
}

func removedEmbed(userID int64) *pb.Embed {
	return &pb.Embed{
		Title:       "User Removed from Blacklist",
		Description: mention(userID) + " has been removed from the blacklist.",
		Color:       colorRemoved,
	}
}

func infoEmbed(r *model.Restriction, now time.Time) *pb.Embed {
	return &pb.Embed{
		Title:        "User Blacklist Info",
		Description:  details(r, now),
		Color:        colorInfo,
		ThumbnailFor: r.UserID,
	}
}

func details(r *model.Restriction, now time.Time) string {
	return fmt.Sprintf("User: %s\nModerator: %s\nExpires At: %s\n\nReason: ```%s```",
		mention(r.UserID), mention(r.ModeratorID), relativeExpiry(r, now), r.Reason)
}
