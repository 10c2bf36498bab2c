// Package tools provides host command helpers shared by discovery code.
package tools
