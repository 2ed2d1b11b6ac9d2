// Package msos provides the vendor-specific platform descriptors that
// make a device driverless on Windows and reachable from browsers:
// the Microsoft OS 2.0 descriptor set and the WebUSB capability.
//
// Both are pure data containers assembled once at construction. The BOS
// platform capabilities advertise a vendor request code; the matching
// descriptor blobs are served from a device-level setup handler when the
// host issues that vendor request.
package msos
